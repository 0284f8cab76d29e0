package hostlib

// Kind tags the payload type of a job result or property.
type Kind int

const (
	KindNone Kind = iota
	KindInteger
	KindString
	KindBool
	KindHandle
	KindBlob
	KindListing
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindHandle:
		return "handle"
	case KindBlob:
		return "blob"
	case KindListing:
		return "listing"
	case KindProcess:
		return "process"
	default:
		return "none"
	}
}

// Value is a typed result. Accessors return the zero value when the kind
// does not match.
type Value struct {
	kind Kind
	v    any
}

func None() Value                        { return Value{} }
func IntValue(i int64) Value             { return Value{kind: KindInteger, v: i} }
func StringValue(s string) Value         { return Value{kind: KindString, v: s} }
func BoolValue(b bool) Value             { return Value{kind: KindBool, v: b} }
func HandleValue(h Handle) Value         { return Value{kind: KindHandle, v: h} }
func BlobValue(b []byte) Value           { return Value{kind: KindBlob, v: b} }
func ListingValue(e []DirEntry) Value    { return Value{kind: KindListing, v: e} }
func ProcessValue(p ProcessResult) Value { return Value{kind: KindProcess, v: p} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Int() int64 {
	i, _ := v.v.(int64)
	return i
}

func (v Value) Str() string {
	s, _ := v.v.(string)
	return s
}

func (v Value) Bool() bool {
	b, _ := v.v.(bool)
	return b
}

func (v Value) Handle() Handle {
	h, _ := v.v.(Handle)
	return h
}

func (v Value) Blob() []byte {
	b, _ := v.v.([]byte)
	return b
}

func (v Value) Listing() []DirEntry {
	e, _ := v.v.([]DirEntry)
	return e
}

func (v Value) Process() ProcessResult {
	p, _ := v.v.(ProcessResult)
	return p
}
