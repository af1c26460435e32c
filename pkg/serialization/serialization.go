package serialization

const (

	// JSONType selects JSON encoding for cached values.
	JSONType = "json"

	// GobType selects gob encoding for cached values.
	GobType = "gob"
)

// Decoder reads one value from its underlying stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes one value to its underlying stream. Encode and Decode must
// be symmetric: whatever Encode produced, the matching Decoder reads back.
type Encoder interface {
	Encode(v any) error
}
