package iso7816

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/smartcard-scp/pkg/tlv"
)

func TestEncoding_ShortExtendedBoundary(t *testing.T) {
	cls, _ := NewClass(0x80)
	ins, _ := NewInstruction(INS_PERFORM_SECURITY_OPERATION)

	max := NewCommandAPDU(cls, ins, 0x00, 0x00, bytes.Repeat([]byte{0xAB}, 255), 0)
	over := NewCommandAPDU(cls, ins, 0x00, 0x00, bytes.Repeat([]byte{0xAB}, 256), 0)

	t.Run("255 bytes fit short form", func(t *testing.T) {
		got, err := ShortEncoding{}.Encode(max)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		want := append(tlv.Hex("80 2A 00 00 FF"), max.Data...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("256 bytes fail short form", func(t *testing.T) {
		_, err := ShortEncoding{}.Encode(over)
		if !errors.Is(err, ErrEncoding) {
			t.Fatalf("expected ErrEncoding, got %v", err)
		}
	})

	t.Run("256 bytes use extended form", func(t *testing.T) {
		got, err := ExtendedEncoding{}.Encode(over)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		want := append(tlv.Hex("80 2A 00 00 00 01 00"), over.Data...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEncoding_Cases(t *testing.T) {
	cls, _ := NewClass(0x00)
	ins, _ := NewInstruction(INS_GET_DATA)

	tests := []struct {
		name     string
		encoding Encoding
		cmd      *CommandAPDU
		want     []byte
		wantErr  bool
	}{
		{
			name:     "Short: Le 256 encodes as 00",
			encoding: ShortEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0x66, nil, 256),
			want:     tlv.Hex("00 CA 00 66 00"),
		},
		{
			name:     "Short: Ne above 256 rejected",
			encoding: ShortEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0x66, nil, 257),
			wantErr:  true,
		},
		{
			name:     "Extended: header only",
			encoding: ExtendedEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0xE0, nil, 0),
			want:     tlv.Hex("00 CA 00 E0"),
		},
		{
			name:     "Extended: small data still uses 3-byte Lc",
			encoding: ExtendedEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0xBF, 0x21, tlv.Hex("A6 04 83 02 13 01"), 0),
			want:     tlv.Hex("00 CA BF 21 00 00 06 A6 04 83 02 13 01"),
		},
		{
			name:     "Extended: data and Le",
			encoding: ExtendedEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0x00, []byte{0x01}, 0x0102),
			want:     tlv.Hex("00 CA 00 00 00 00 01 01 01 02"),
		},
		{
			name:     "Extended: Le 65536 encodes as 0000",
			encoding: ExtendedEncoding{},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0x00, nil, MaxExtendedLe),
			want:     tlv.Hex("00 CA 00 00 00 00 00"),
		},
		{
			name:     "Extended: device limit enforced",
			encoding: ExtendedEncoding{MaxAPDUSize: 16},
			cmd:      NewCommandAPDU(cls, ins, 0x00, 0x00, make([]byte, 10), 0),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.encoding.Encode(tt.cmd)
			if tt.wantErr {
				if !errors.Is(err, ErrEncoding) {
					t.Fatalf("expected ErrEncoding, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtendedEncoding_MaxDataLength(t *testing.T) {
	if got := (ExtendedEncoding{}).MaxDataLength(); got != MaxExtendedLc {
		t.Errorf("unlimited MaxDataLength = %d, want %d", got, MaxExtendedLc)
	}
	if got := (ExtendedEncoding{MaxAPDUSize: 2048}).MaxDataLength(); got != 2039 {
		t.Errorf("MaxDataLength = %d, want 2039", got)
	}
	if got := (ShortEncoding{}).MaxDataLength(); got != MaxShortLc {
		t.Errorf("short MaxDataLength = %d, want %d", got, MaxShortLc)
	}
}
