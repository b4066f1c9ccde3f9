// Package scp implements the GlobalPlatform secure channel protocols SCP03
// (static AES keys) and SCP11a/b/c (ECDH with certificates).
//
// A Session wraps an iso7816.Processor. After Authenticate succeeds every
// command sent through the Session is MACed and encrypted, and every
// response is verified and decrypted, according to the negotiated level:
//
//	sess := scp.NewSession(client)
//	err := sess.Authenticate(scp.NewScp03KeyParams(scp.KeyRef{Kid: 0x01, Kvn: 0xFF}, scp.DefaultStaticKeys()))
//	resp, err := sess.SendAPDU(cmd)
//
// The Session itself implements iso7816.Processor.
package scp

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/gregLibert/smartcard-scp/internal/syncutil"
	"github.com/gregLibert/smartcard-scp/pkg/iso7816"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle stage of a Session. It only moves forward.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateAuthenticating:
		return "Authenticating"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is a secure channel over a Processor.
type Session struct {
	mu        syncutil.Mutex
	processor iso7816.Processor
	encoding  iso7816.Encoding
	random    io.Reader
	logger    zerolog.Logger

	state State
	ref   KeyRef
	sm    *secureMessaging
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for handshake traces.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRandom overrides the source of host challenges and ephemeral keys.
func WithRandom(r io.Reader) Option {
	return func(s *Session) { s.random = r }
}

// WithEncoding sets the encoding the MAC is computed over. By default it is
// taken from the processor when it exposes one, short encoding otherwise.
func WithEncoding(e iso7816.Encoding) Option {
	return func(s *Session) { s.encoding = e }
}

// NewSession returns an unauthenticated Session over processor.
func NewSession(processor iso7816.Processor, opts ...Option) *Session {
	s := &Session{
		processor: processor,
		encoding:  iso7816.ShortEncoding{},
		random:    rand.Reader,
		logger:    log.Logger,
	}
	if withEncoding, ok := processor.(interface{ Encoding() iso7816.Encoding }); ok {
		s.encoding = withEncoding.Encoding()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// KeyRef returns the key the session was authenticated with.
func (s *Session) KeyRef() KeyRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Authenticate runs the handshake selected by params. Any failure closes the
// session and is reported as an *AuthenticationError.
func (s *Session) Authenticate(params KeyParams) error {
	if params == nil {
		return errors.New("scp: nil key parameters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnauthenticated {
		return errors.Wrapf(iso7816.ErrSessionState, "scp: cannot authenticate a session in state %s", s.state)
	}
	s.state = StateAuthenticating

	var (
		sm  *secureMessaging
		err error
	)
	switch p := params.(type) {
	case *Scp03KeyParams:
		if err = p.validate(); err != nil {
			err = &AuthenticationError{Step: "parameters", Err: err}
			break
		}
		sm, err = s.scp03Handshake(p)
	case *Scp11KeyParams:
		if err = p.validate(); err != nil {
			err = &AuthenticationError{Step: "parameters", Err: err}
			break
		}
		sm, err = s.scp11Handshake(p)
	default:
		err = &AuthenticationError{Step: "parameters", Err: errors.Errorf("unsupported key parameters %T", params)}
	}
	if err != nil {
		s.state = StateClosed
		s.logger.Debug().Err(err).Stringer("ref", params.KeyRef()).Msg("scp authentication failed")
		return err
	}

	s.sm = sm
	s.ref = params.KeyRef()
	s.state = StateEstablished
	s.logger.Debug().Stringer("ref", s.ref).Uint8("level", sm.level.Byte()).Msg("scp session established")
	return nil
}

// SendAPDU wraps cmd, sends it and unwraps the response.
// It implements iso7816.Processor.
func (s *Session) SendAPDU(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, errors.Wrapf(iso7816.ErrSessionState, "scp: session is %s", s.state)
	}
	return s.send(cmd, true)
}

// send requires s.mu and an active secure messaging state.
func (s *Session) send(cmd *iso7816.CommandAPDU, encrypt bool) (*iso7816.ResponseAPDU, error) {
	wrapped, err := s.sm.wrap(cmd, encrypt, s.encoding)
	if err != nil {
		return nil, err
	}

	resp, err := s.processor.SendAPDU(wrapped)
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSecureMessagingFailure() {
		s.logger.Debug().Stringer("sw", resp.Status).Msg("card rejected secure messaging, closing session")
		s.closeLocked()
		return nil, &iso7816.ApduError{Command: cmd, Status: resp.Status}
	}

	unwrapped, err := s.sm.unwrap(resp)
	if err != nil {
		s.logger.Debug().Err(err).Msg("scp response rejected, closing session")
		s.closeLocked()
		return nil, err
	}
	return unwrapped, nil
}

// EncryptData encrypts block aligned data with the session DEK (AES-CBC,
// zero IV), as key import commands require.
func (s *Session) EncryptData(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, errors.Wrapf(iso7816.ErrSessionState, "scp: session is %s", s.state)
	}
	if len(s.sm.keys.Dek) == 0 {
		return nil, errors.New("scp: session has no DEK")
	}
	return cbcEncryptZeroIV(s.sm.keys.Dek, data)
}

// Close zeroizes the session keys. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.sm != nil {
		s.sm.zero()
		s.sm = nil
	}
	s.state = StateClosed
}

// transceive sends a plain handshake command and requires 9000.
func (s *Session) transceive(step string, cmd *iso7816.CommandAPDU) ([]byte, error) {
	data, err := iso7816.Transceive(s.processor, cmd)
	if err != nil {
		return nil, &AuthenticationError{Step: step, Err: err}
	}
	return data, nil
}
