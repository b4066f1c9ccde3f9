package iso7816

import (
	"strings"
	"testing"
)

func TestNewInstruction(t *testing.T) {
	tests := []struct {
		name    string
		ins     InsCode
		wantErr bool
		berTLV  bool
	}{
		{name: "GET DATA", ins: 0xCA},
		{name: "GET DATA BER-TLV", ins: 0xCB, berTLV: true},
		{name: "INITIALIZE UPDATE", ins: 0x50},
		{name: "GENERATE KEY", ins: 0xF1, berTLV: true},
		{name: "procedure byte 61", ins: 0x61, wantErr: true},
		{name: "status byte 90", ins: 0x90, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewInstruction(tt.ins)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewInstruction(0x%02X) error = %v, wantErr %v", byte(tt.ins), err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Raw != tt.ins || got.IsBERTLV != tt.berTLV {
				t.Errorf("NewInstruction(0x%02X) = %+v, want BER-TLV %v", byte(tt.ins), got, tt.berTLV)
			}
		})
	}
}

func TestInstruction_NameFor(t *testing.T) {
	iso, _ := NewClass(0x00)
	gp, _ := NewClass(0x80)
	gpSecure, _ := NewClass(0x84)

	tests := []struct {
		cla  Class
		ins  InsCode
		want string
	}{
		{iso, 0xE2, "INS_APPEND_RECORD"},
		{gp, 0xE2, "INS_GP_STORE_DATA"},
		{iso, 0xE4, "INS_DELETE_FILE"},
		{gpSecure, 0xE4, "INS_GP_DELETE"},
		{gp, 0x50, "INS_GP_INITIALIZE_UPDATE"},
		{iso, 0x50, "InsCode(0x50)"},
		{gpSecure, 0xD8, "INS_GP_PUT_KEY"},
		{gp, 0xF1, "INS_GP_GENERATE_KEY"},
		// ISO codes shared by GlobalPlatform keep their ISO name.
		{gpSecure, 0x82, "INS_EXTERNAL_AUTHENTICATE"},
		{gp, 0x2A, "INS_PERFORM_SECURITY_OPERATION"},
	}

	for _, tt := range tests {
		i, err := NewInstruction(tt.ins)
		if err != nil {
			t.Fatalf("NewInstruction(0x%02X): %v", byte(tt.ins), err)
		}
		if got := i.NameFor(tt.cla); got != tt.want {
			t.Errorf("NameFor(CLA %02X, INS %02X) = %q, want %q", tt.cla.Raw, byte(tt.ins), got, tt.want)
		}
	}
}

func TestCommandAPDU_StringNamesGlobalPlatformCommands(t *testing.T) {
	cmd, err := NewCommand(0x80, INS_GP_INITIALIZE_UPDATE, 0xFF, 0x00, make([]byte, 8), 0)
	if err != nil {
		t.Fatal(err)
	}
	want := "CLA: 0x80 | INS: 0x50 (INS_GP_INITIALIZE_UPDATE) | P1: FF, P2: 00 | Lc: 8 | Le: 0"
	if got := cmd.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	apduErr := &ApduError{Command: cmd, Status: SW_ERR_REF_DATA_NOT_FOUND}
	if !strings.Contains(apduErr.Error(), "INS_GP_INITIALIZE_UPDATE (INS 0x50)") {
		t.Errorf("Error() = %q, want the GlobalPlatform name", apduErr.Error())
	}
}

func TestInstruction_Verbose(t *testing.T) {
	tests := []struct {
		ins      InsCode
		contains []string
	}{
		{INS_GET_DATA, []string{"INS: 0xCA", "Command: INS_GET_DATA", "Format: Standard"}},
		{INS_GET_DATA_BER, []string{"INS: 0xCB", "Command: INS_GET_DATA_BER", "Format: BER-TLV"}},
	}

	for _, tt := range tests {
		i, _ := NewInstruction(tt.ins)
		desc := i.Verbose()
		for _, part := range tt.contains {
			if !strings.Contains(desc, part) {
				t.Errorf("Verbose() = %q; want containing %q", desc, part)
			}
		}
	}
}
