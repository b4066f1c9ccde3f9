// Package usb opens the CCID interface of a USB security token with
// libusb (github.com/google/gousb) and exposes its bulk endpoints as a
// ccid.BulkPipe.
package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// ClassSmartCard is the USB interface class of CCID devices.
const ClassSmartCard gousb.Class = 0x0B

// ErrNoCCIDInterface is returned when the device exposes no CCID interface
// with a bulk IN/OUT endpoint pair.
var ErrNoCCIDInterface = errors.New("usb: no CCID interface with bulk endpoints")

// bulkIn and bulkOut are the parts of gousb endpoints a Pipe uses.
type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Pipe is the bulk endpoint pair of a claimed CCID interface.
type Pipe struct {
	usbCtx *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     bulkIn
	out    bulkOut
	mps    int
	logger zerolog.Logger
}

// Open claims the CCID interface of the first device matching vid:pid.
func Open(vid, pid uint16, logger zerolog.Logger) (*Pipe, error) {
	usbCtx := gousb.NewContext()
	p := &Pipe{usbCtx: usbCtx, logger: logger}

	dev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("usb: open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		_ = p.Close()
		return nil, fmt.Errorf("usb: device %04x:%04x not found", vid, pid)
	}
	p.dev = dev

	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug().Err(err).Msg("usb: kernel driver auto-detach unavailable")
	}

	if err := p.claimCCID(); err != nil {
		_ = p.Close()
		return nil, err
	}

	logger.Debug().
		Str("device", fmt.Sprintf("%04x:%04x", vid, pid)).
		Int("max_packet", p.MaxPacketSize()).
		Msg("usb ccid interface claimed")

	return p, nil
}

func (p *Pipe) claimCCID() error {
	cfgNum, err := p.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("usb: active config: %w", err)
	}
	cfg, err := p.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("usb: config %d: %w", cfgNum, err)
	}
	p.cfg = cfg

	for _, desc := range cfg.Desc.Interfaces {
		for _, alt := range desc.AltSettings {
			if alt.Class != ClassSmartCard {
				continue
			}
			inAddr, outAddr, ok := bulkPair(alt)
			if !ok {
				continue
			}

			intf, err := cfg.Interface(alt.Number, alt.Alternate)
			if err != nil {
				return fmt.Errorf("usb: claim interface %d: %w", alt.Number, err)
			}
			in, err := intf.InEndpoint(inAddr)
			if err != nil {
				intf.Close()
				return fmt.Errorf("usb: in endpoint: %w", err)
			}
			out, err := intf.OutEndpoint(outAddr)
			if err != nil {
				intf.Close()
				return fmt.Errorf("usb: out endpoint: %w", err)
			}
			p.intf, p.in, p.out = intf, in, out
			p.mps = in.Desc.MaxPacketSize
			return nil
		}
	}
	return ErrNoCCIDInterface
}

// bulkPair returns the bulk IN and OUT endpoint numbers of an interface setting.
func bulkPair(alt gousb.InterfaceSetting) (in, out int, ok bool) {
	in, out = -1, -1
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			in = ep.Number
		} else {
			out = ep.Number
		}
	}
	return in, out, in >= 0 && out >= 0
}

// WriteBulk implements ccid.BulkPipe. An empty b is submitted as a
// zero-length packet.
func (p *Pipe) WriteBulk(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		p.logger.Trace().Msg("usb: zero-length packet")
	}
	return p.out.WriteContext(ctx, b)
}

// ReadBulk implements ccid.BulkPipe.
func (p *Pipe) ReadBulk(ctx context.Context, b []byte) (int, error) {
	return p.in.ReadContext(ctx, b)
}

// MaxPacketSize implements ccid.BulkPipe.
func (p *Pipe) MaxPacketSize() int {
	return p.mps
}

// Close releases the interface, the device and the libusb context.
func (p *Pipe) Close() error {
	var errs []error
	if p.intf != nil {
		p.intf.Close()
	}
	if p.cfg != nil {
		errs = append(errs, p.cfg.Close())
	}
	if p.dev != nil {
		errs = append(errs, p.dev.Close())
	}
	if p.usbCtx != nil {
		errs = append(errs, p.usbCtx.Close())
	}
	return errors.Join(errs...)
}
