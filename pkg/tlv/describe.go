package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// tagNames names the data objects a Security Domain exchanges through GET
// DATA and STORE DATA (GPC 2.3 §11.3 and §11.11, Amendment F §6).
var tagNames = map[string]string{
	"30":   "Certificate",
	"42":   "Subject Key Identifier",
	"5F20": "Subject Identifier",
	"66":   "Card Data",
	"70":   "Serial Allowlist",
	"73":   "Card Recognition Data",
	"80":   "Key Usage Qualifier",
	"83":   "Key Reference",
	"93":   "Serial Number",
	"A6":   "Control Reference Template",
	"BF21": "Certificate Store",
	"C0":   "Key Information Data",
	"E0":   "Key Information Template",
	"FF33": "KLOC Identifiers",
	"FF34": "KLCC Identifiers",
}

// opaque objects are shown by size only.
var opaque = map[string]bool{
	"30": true,
}

// TagName returns the Security Domain name of tag, or "" if it has none.
func TagName(tag string) string {
	return tagNames[strings.ToUpper(tag)]
}

// Describe decodes data and renders it with DescribeTree.
func Describe(data []byte) (string, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return "", fmt.Errorf("bertlv decode failed: %w", err)
	}
	return DescribeTree(packets), nil
}

// DescribeTree renders decoded objects one per line, children indented
// under their template. Certificates are not expanded.
func DescribeTree(packets []bertlv.TLV) string {
	var lines []string
	describeLevel(&lines, packets, 0)
	return strings.Join(lines, "\n")
}

func describeLevel(lines *[]string, packets []bertlv.TLV, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, p := range packets {
		tag := strings.ToUpper(p.Tag)
		label := tag
		if name := tagNames[tag]; name != "" {
			label = fmt.Sprintf("%s (%s)", tag, name)
		}

		switch {
		case opaque[tag]:
			*lines = append(*lines, fmt.Sprintf("%s%s: %d bytes", indent, label, len(RawValue(p))))
		case len(p.TLVs) > 0:
			*lines = append(*lines, indent+label)
			describeLevel(lines, p.TLVs, depth+1)
		default:
			*lines = append(*lines, fmt.Sprintf("%s%s: %X", indent, label, p.Value))
		}
	}
}

// WriteStructFields writes one line per populated []byte field of s, then one
// per unknown object. Fields carrying a tlv tag are labelled with the tag and
// its Security Domain name. Lines are joined without a trailing newline, and
// the block is separated from earlier content of sb by a newline.
func WriteStructFields(sb *strings.Builder, prefix string, s interface{}) {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}
	typ := val.Type()

	var lines []string
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		switch {
		case isByteSlice(field):
			if field.Len() > 0 {
				lines = append(lines, fieldLine(prefix, typ.Field(i), field.Bytes()))
			}
		case field.Type() == reflect.TypeOf([]bertlv.TLV{}):
			for _, t := range field.Interface().([]bertlv.TLV) {
				label := "Unknown Tag " + strings.ToUpper(t.Tag)
				if name := TagName(t.Tag); name != "" {
					label = fmt.Sprintf("%s (%s)", name, strings.ToUpper(t.Tag))
				}
				lines = append(lines, fmt.Sprintf("    - %s.%s: %X", prefix, label, RawValue(t)))
			}
		}
	}

	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func fieldLine(prefix string, f reflect.StructField, data []byte) string {
	name := f.Name
	if tag := strings.ToUpper(strings.Split(f.Tag.Get("tlv"), ",")[0]); tag != "" {
		name = fmt.Sprintf("%s (%s)", name, tag)
	}
	return fmt.Sprintf("    - %s.%s: %s", prefix, name, formatByteValue(data, f.Tag.Get("fmt")))
}

func formatByteValue(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case "int":
		var integer int
		for _, b := range data {
			integer = (integer << 8) | int(b)
		}
		return fmt.Sprintf("%X (Dec: %d)", data, integer)
	case "oid":
		return fmt.Sprintf("%X (OID %s)", data, decodeOID(data))
	default:
		return strings.ToUpper(hex.EncodeToString(data))
	}
}

// decodeOID renders a BER encoded object identifier value in dotted form,
// as found in card recognition data.
func decodeOID(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := []string{fmt.Sprint(int(data[0]) / 40), fmt.Sprint(int(data[0]) % 40)}
	var arc uint64
	for _, b := range data[1:] {
		arc = arc<<7 | uint64(b&0x7F)
		if b&0x80 == 0 {
			parts = append(parts, fmt.Sprint(arc))
			arc = 0
		}
	}
	return strings.Join(parts, ".")
}

// MakeSafeASCII replaces non printable bytes by '.'.
func MakeSafeASCII(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}
