package tlv

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
)

// keyRef decodes the two byte value of tag 83.
type keyRef struct {
	Kid, Kvn byte
}

func (k *keyRef) UnmarshalTLV(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("key reference of %d bytes", len(data))
	}
	k.Kid, k.Kvn = data[0], data[1]
	return nil
}

type controlReference struct {
	KeyUsage     []byte `tlv:"80"`
	SubjectKeyID []byte `tlv:"42"`
	Ref          keyRef `tlv:"83"`
}

type storeCaIssuer struct {
	Control controlReference `tlv:"A6"`
	Unknown []bertlv.TLV     `tlv:",unknown"`
}

type keyInformation struct {
	Entries [][]byte `tlv:"C0"`
}

type recognition struct {
	OID           []byte       `tlv:"06"`
	SecureChannel *scpTemplate `tlv:"64"`
	Unknown       []bertlv.TLV `tlv:",unknown"`
}

type scpTemplate struct {
	OID []byte `tlv:"06"`
}

func TestUnmarshal_ControlReferenceTemplate(t *testing.T) {
	data := Hex(
		"A6 0B",
		"80 01 01",   // key usage qualifier
		"42 02 CAFE", // subject key identifier
		"83 02 1301", // SCP11b key reference
		"DF01 01 BB", // vendor object
	)

	var got storeCaIssuer
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := controlReference{
		KeyUsage:     []byte{0x01},
		SubjectKeyID: []byte{0xCA, 0xFE},
		Ref:          keyRef{Kid: 0x13, Kvn: 0x01},
	}
	if diff := cmp.Diff(want, got.Control); diff != "" {
		t.Errorf("Mismatch (-want +got):\n%s", diff)
	}
	if len(got.Unknown) != 1 || got.Unknown[0].Tag != "DF01" {
		t.Errorf("vendor object not captured as unknown: %+v", got.Unknown)
	}
}

func TestUnmarshal_RepeatedKeyInformationEntries(t *testing.T) {
	inner, err := GetValue(Hex("E0 0C", "C0 04 01FF8810", "C0 04 1301B041"), 0xE0)
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}

	var got keyInformation
	if err := Unmarshal(inner, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := [][]byte{Hex("01FF8810"), Hex("1301B041")}
	if diff := cmp.Diff(want, got.Entries); diff != "" {
		t.Errorf("Mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_CardRecognitionPointerTemplate(t *testing.T) {
	data := Hex(
		"06 07 2A864886FC6B01",
		"64 0B 06 09 2A864886FC6B040360",
		"65 03 06012A",
	)

	var got recognition
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.SecureChannel == nil {
		t.Fatal("secure channel template not decoded")
	}
	if diff := cmp.Diff(Hex("2A864886FC6B040360"), got.SecureChannel.OID); diff != "" {
		t.Errorf("Mismatch (-want +got):\n%s", diff)
	}
	if len(got.Unknown) != 1 || got.Unknown[0].Tag != "65" {
		t.Errorf("card configuration not captured as unknown: %+v", got.Unknown)
	}
}

func TestGetValue(t *testing.T) {
	data := Hex("A6 04 83 02 1301", "BF21 03 300100")

	t.Run("constructed template", func(t *testing.T) {
		val, err := GetValue(data, 0xA6)
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		if diff := cmp.Diff(Hex("83021301"), val); diff != "" {
			t.Errorf("Mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("missing tag", func(t *testing.T) {
		if _, err := GetValue(data, 0x70); err == nil {
			t.Error("Expected error for missing tag, got nil")
		}
	})
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("non-pointer target", func(t *testing.T) {
		err := Unmarshal(Hex("83 02 1301"), controlReference{})
		if err == nil || !strings.Contains(err.Error(), "pointer") {
			t.Errorf("Expected pointer error, got %v", err)
		}
	})

	t.Run("bad key reference", func(t *testing.T) {
		var got controlReference
		if err := Unmarshal(Hex("83 01 13"), &got); err == nil {
			t.Error("Expected the custom unmarshaler error, got nil")
		}
	})

	t.Run("truncated object", func(t *testing.T) {
		var got controlReference
		if err := Unmarshal(Hex("83 05 13"), &got); err == nil {
			t.Error("Expected a decode error, got nil")
		}
	})
}
