package domain

// IndexDefinition declares one secondary index maintained for an
// entity-type: Property names the index (and becomes part of the
// `<entity-type>.index.<property>` database name), Extractor pulls the
// indexable terms out of a decoded payload. A payload may contribute
// zero, one, or many terms to the same index (e.g. a list property).
type IndexDefinition struct {
	Property  string
	Extractor func(payload []byte) (terms [][]byte, ok bool)
}

// UIDIndexProperty is the property name every entity-type indexes by
// default, alongside whatever IndexDefinitions the resource registers,
// so Index("<type>.index.uid").lookup(uid) always resolves (S5).
const UIDIndexProperty = "uid"

// PayloadCodec encodes and decodes the opaque payload bytes stored in
// an Entity. The core never depends on a concrete codec; a resource
// plug-in (maildir, calendar, dummy) supplies one.
type PayloadCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
