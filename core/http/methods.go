package http

// Method is a recognized request method.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
)

// maxMethodLen is the longest recognized method token.
const maxMethodLen = len(MethodOptions)

var methods = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"OPTIONS": MethodOptions,
	"PATCH":   MethodPatch,
}

// ParseMethod returns the method named by s. Matching is case-sensitive.
func ParseMethod(s string) (Method, bool) {
	m, ok := methods[s]
	return m, ok
}

// Bodyless reports whether a request with this method may omit both
// Content-Length and Transfer-Encoding.
func (m Method) Bodyless() bool {
	switch m {
	case MethodGet, MethodHead, MethodDelete, MethodOptions:
		return true
	}
	return false
}

func (m Method) String() string { return string(m) }
