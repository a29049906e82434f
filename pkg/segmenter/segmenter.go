package segmenter

const (
	// Max payload lengths per segment, in encoded bytes.
	maxSingle    = 160
	maxMultipart = 153 // 160 minus the 6-byte concatenation UDH, with margin

	// EsmClassDefault is the esm_class of a single-segment submit.
	EsmClassDefault byte = 0x00
	// EsmClassUDHI marks a payload that starts with a User Data Header.
	EsmClassUDHI byte = 0x40
	// DataCodingDefault selects the SMSC default alphabet.
	DataCodingDefault byte = 0x00

	udhLen = 6
)

// Part is one submit payload: either the whole encoded message, or a
// 6-byte concatenation UDH followed by one segment of it.
type Part struct {
	Seq        int
	Total      int
	Ref        byte
	Payload    []byte
	EsmClass   byte
	DataCoding byte
}

// Encode maps text to GSM 7-bit bytes using the ISO-8859-1 mapping as a
// practical stand-in: runes up to U+00FF become one byte each, anything
// beyond is replaced by '?'. No septet packing is performed.
func Encode(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r <= 0xFF {
			out = append(out, byte(r))
		} else {
			out = append(out, '?')
		}
	}
	return out
}

// Split builds the submit payloads for one encoded message. Encodings of up
// to 160 bytes yield a single part without UDH. Longer messages are cut into
// ceil(n/153) segments of at most 153 bytes, each prefixed with the concatenation UDH
// {0x05, 0x00, 0x03, ref, total, seq}; ref is shared by all parts.
func Split(encoded []byte, ref byte) []Part {
	if len(encoded) <= maxSingle {
		return []Part{{
			Seq:        1,
			Total:      1,
			Payload:    encoded,
			EsmClass:   EsmClassDefault,
			DataCoding: DataCodingDefault,
		}}
	}

	total := (len(encoded) + maxMultipart - 1) / maxMultipart
	parts := make([]Part, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxMultipart
		end := start + maxMultipart
		if end > len(encoded) {
			end = len(encoded)
		}
		segment := encoded[start:end]

		payload := make([]byte, 0, udhLen+len(segment))
		payload = append(payload, 0x05, 0x00, 0x03, ref, byte(total), byte(i+1))
		payload = append(payload, segment...)

		parts = append(parts, Part{
			Seq:        i + 1,
			Total:      total,
			Ref:        ref,
			Payload:    payload,
			EsmClass:   EsmClassUDHI,
			DataCoding: DataCodingDefault,
		})
	}
	return parts
}

// ForMessage encodes text and splits it in one call.
func ForMessage(text string, ref byte) []Part {
	return Split(Encode(text), ref)
}
