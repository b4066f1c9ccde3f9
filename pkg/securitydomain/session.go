// Package securitydomain manages the keys and certificates of a
// GlobalPlatform Issuer Security Domain.
//
// Reads (key information, certificates, CA identifiers) work on a plain
// session. Every write requires an authenticated secure channel:
//
//	sd, err := securitydomain.Open(client)
//	err = sd.Authenticate(scp.NewScp03KeyParams(ref, keys))
//	err = sd.PutStaticKeys(scp.KeyRef{Kid: 0x01, Kvn: 0x01}, newKeys, 0)
package securitydomain

import (
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/gregLibert/smartcard-scp/pkg/scp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AID is the application identifier of the Issuer Security Domain.
var AID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// Session talks to a selected Security Domain, optionally through a secure
// channel.
type Session struct {
	plain       iso7816.Processor
	secure      *scp.Session
	logger      zerolog.Logger
	sessionOpts []scp.Option
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger of the session and of its secure channels.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSecureChannelOptions passes options to every secure channel opened by
// Authenticate.
func WithSecureChannelOptions(opts ...scp.Option) Option {
	return func(s *Session) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// Open selects the Security Domain on processor.
func Open(processor iso7816.Processor, opts ...Option) (*Session, error) {
	s := &Session{plain: processor, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := iso7816.Transceive(processor, iso7816.SelectByAID(iso7816.Class{}, AID)); err != nil {
		return nil, errors.Wrap(err, "securitydomain: select")
	}
	s.logger.Debug().Msg("security domain selected")
	return s, nil
}

// Authenticate opens a secure channel. All subsequent commands go through
// it. A previous channel is closed first.
func (s *Session) Authenticate(params scp.KeyParams) error {
	s.Close()

	opts := append([]scp.Option{scp.WithLogger(s.logger)}, s.sessionOpts...)
	secure := scp.NewSession(s.plain, opts...)
	if err := secure.Authenticate(params); err != nil {
		return err
	}
	s.secure = secure
	return nil
}

// Authenticated reports whether an established secure channel is in use.
func (s *Session) Authenticated() bool {
	return s.secure != nil && s.secure.State() == scp.StateEstablished
}

// Close closes the secure channel, if any. The Security Domain stays
// selected.
func (s *Session) Close() {
	if s.secure != nil {
		s.secure.Close()
		s.secure = nil
	}
}

func (s *Session) processor() iso7816.Processor {
	if s.secure != nil {
		return s.secure
	}
	return s.plain
}

// send transmits one command and requires 9000.
func (s *Session) send(cla byte, ins iso7816.InsCode, p1, p2 byte, data []byte) ([]byte, error) {
	cmd, err := iso7816.NewCommand(cla, ins, p1, p2, data, 0)
	if err != nil {
		return nil, err
	}
	return iso7816.Transceive(s.processor(), cmd)
}

// encrypt protects key material with the session DEK.
func (s *Session) encrypt(data []byte) ([]byte, error) {
	if s.secure == nil {
		return nil, errors.Wrap(iso7816.ErrSessionState, "securitydomain: key import requires a secure channel")
	}
	return s.secure.EncryptData(data)
}
