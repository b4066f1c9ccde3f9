package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gregLibert/smartcard-scp/internal/config"
	"github.com/gregLibert/smartcard-scp/pkg/ccid"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/gregLibert/smartcard-scp/pkg/securitydomain"
	"github.com/gregLibert/smartcard-scp/pkg/transport/pcsc"
	"github.com/gregLibert/smartcard-scp/pkg/transport/usb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(*configPath); err != nil {
		log.Error().Err(err).Msg("scp-demo failed")
		os.Exit(1)
	}
}

// run returns instead of exiting so that the deferred closes always run.
func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return errors.Wrap(err, "load configuration")
		}
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	zerolog.SetGlobalLevel(level)

	// --- 1. Hardware Setup ---
	card, closeCard, err := connect(cfg)
	if err != nil {
		return err
	}
	defer closeCard()

	// --- 2. Logic Setup ---
	var opts []iso7816.Option
	if cfg.UseExtended() {
		opts = append(opts, iso7816.WithEncoding(iso7816.ExtendedEncoding{MaxAPDUSize: cfg.APDU.MaxSize}))
	}
	if cfg.APDU.Chaining {
		opts = append(opts, iso7816.WithCommandChaining())
	}
	client := iso7816.NewClient(card, opts...)

	sd, err := securitydomain.Open(client)
	if err != nil {
		return errors.Wrap(err, "select the Security Domain")
	}
	defer sd.Close()
	fmt.Printf(">> Security Domain %X selected\n", securitydomain.AID)

	// --- 3. Execution Flow ---
	if err := step1Authenticate(sd, cfg); err != nil {
		return err
	}
	refs, err := step2KeyInformation(sd)
	if err != nil {
		return err
	}
	step3Certificates(sd, refs)

	fmt.Println("\n>> Demo Finished Successfully")
	return nil
}

// =========================================================================
// Helper Functions
// =========================================================================

// connect opens the transport selected in the configuration.
func connect(cfg *config.Config) (iso7816.Transmitter, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportUSB:
		pipe, err := usb.Open(cfg.Transport.VendorID, cfg.Transport.ProductID, log.Logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open the USB device")
		}
		conn, err := ccid.NewConn(pipe, ccid.WithTimeout(cfg.Transport.Timeout))
		if err != nil {
			if cerr := pipe.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to close the USB device during error handling")
			}
			return nil, nil, errors.Wrap(err, "power the card on")
		}
		fmt.Printf(">> Using USB device %04x:%04x, ATR %X\n", cfg.Transport.VendorID, cfg.Transport.ProductID, conn.ATR())
		return conn, func() {
			if err := conn.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close the USB device")
			}
		}, nil
	default:
		card, err := pcsc.Connect(cfg.Transport.ReaderIndex, log.Logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect to card")
		}
		fmt.Printf(">> Using reader: %s\n", card.Reader())
		return card, func() {
			if err := card.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to disconnect card")
			}
		}, nil
	}
}

// step1Authenticate opens the secure channel named in the configuration.
func step1Authenticate(sd *securitydomain.Session, cfg *config.Config) error {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 1: AUTHENTICATE (%s)\n", strings.ToUpper(cfg.SCP.Protocol))
	fmt.Println("=============================================")

	var params scp.KeyParams
	switch cfg.SCP.Protocol {
	case config.ProtocolSCP11b:
		ref := scp.KeyRef{Kid: scp.KidSCP11b, Kvn: cfg.SCP.KVN}
		certs, err := sd.GetCertificateBundle(ref)
		if err != nil {
			return errors.Wrapf(err, "read the certificates of %s", ref)
		}
		if len(certs) == 0 {
			return errors.Errorf("no certificate for the SCP11b key %s", ref)
		}
		// The card certificate is the last of the bundle. It is not
		// checked against a trust anchor here.
		pk, ok := certs[len(certs)-1].PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return errors.Errorf("SCP11b certificate of %s does not hold an EC key", ref)
		}
		if params, err = scp.NewScp11KeyParams(ref, pk, nil, nil, nil); err != nil {
			return err
		}
	default:
		keys, err := staticKeys(cfg)
		if err != nil {
			return err
		}
		defer keys.Zero()
		params = scp.NewScp03KeyParams(scp.KeyRef{Kid: scp.KidSCP03, Kvn: cfg.SCP.KVN}, keys)
	}

	if err := sd.Authenticate(params); err != nil {
		return errors.Wrap(err, "authenticate")
	}
	fmt.Printf(">> Secure channel established with %s\n", params.KeyRef())
	return nil
}

// staticKeys reads the SCP03 keys from the key file, or from the terminal
// when none is configured.
func staticKeys(cfg *config.Config) (scp.StaticKeys, error) {
	var (
		enc, mac, dek []byte
		err           error
	)
	if cfg.SCP.KeyHexFile != "" {
		enc, mac, dek, err = config.ReadKeyHexFile(cfg.SCP.KeyHexFile)
	} else {
		enc, mac, dek, err = promptKeys()
	}
	if err != nil {
		return scp.StaticKeys{}, errors.Wrap(err, "read SCP03 keys")
	}

	keys, err := scp.NewStaticKeys(enc, mac, dek)
	for _, k := range [][]byte{enc, mac, dek} {
		clear(k)
	}
	return keys, err
}

func promptKeys() (enc, mac, dek []byte, err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil, nil, errors.New("no key file configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "SCP03 key(s), hex (empty for the default test keys): ")
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "read key")
	}
	defer clear(line)

	if len(strings.TrimSpace(string(line))) == 0 {
		d := scp.DefaultStaticKeys()
		return d.Enc, d.Mac, d.Dek, nil
	}
	return config.ParseKeyHex(string(line))
}

// step2KeyInformation lists the keys installed in the Security Domain.
func step2KeyInformation(sd *securitydomain.Session) ([]scp.KeyRef, error) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 2: KEY INFORMATION")
	fmt.Println("=============================================")

	infos, err := sd.GetKeyInformation()
	if err != nil {
		return nil, errors.Wrap(err, "read key information")
	}

	refs := make([]scp.KeyRef, 0, len(infos))
	for _, info := range infos {
		fmt.Printf("   - %s\n", info)
		refs = append(refs, info.Ref)
	}

	if crd, err := sd.GetCardRecognitionData(); err == nil {
		if parsed, err := securitydomain.ParseCardRecognition(crd); err == nil {
			fmt.Println(parsed.Describe())
		}
	}
	return refs, nil
}

// step3Certificates prints the certificate bundle of every SCP11 key.
func step3Certificates(sd *securitydomain.Session, refs []scp.KeyRef) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 3: CERTIFICATES")
	fmt.Println("=============================================")

	for _, ref := range refs {
		switch ref.Kid {
		case scp.KidSCP11a, scp.KidSCP11b, scp.KidSCP11c:
		default:
			continue
		}
		certs, err := sd.GetCertificateBundle(ref)
		if err != nil {
			log.Warn().Err(err).Stringer("ref", ref).Msg("Failed to read certificate bundle")
			continue
		}
		fmt.Printf("\n[%s] %d certificate(s)\n", ref, len(certs))
		for _, c := range certs {
			fmt.Printf("   - subject=%q serial=%s notAfter=%s\n", c.Subject.String(), c.SerialNumber, c.NotAfter.Format("2006-01-02"))
		}
	}
}
