// Package sip 是一个最小的 UDP SIP 用户代理：应答呼入、协商 G.711、
// 通过 RTP 收发媒体，并可选地向注册服务器注册。
package sip

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned for datagrams that are not SIP messages.
var ErrMalformed = errors.New("malformed sip message")

const sipVersion = "SIP/2.0"

// 紧凑头部形式 (RFC 3261 §7.3.3)。
var compactHeaders = map[string]string{
	"i": "Call-ID",
	"f": "From",
	"t": "To",
	"v": "Via",
	"m": "Contact",
	"l": "Content-Length",
	"c": "Content-Type",
	"k": "Supported",
	"s": "Subject",
	"e": "Content-Encoding",
}

type header struct {
	Name  string
	Value string
}

// Message is a parsed SIP request or response.
type Message struct {
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
	headers    []header
	Body       []byte
}

// IsResponse reports whether m is a status response.
func (m *Message) IsResponse() bool {
	return m.StatusCode != 0
}

// Parse reads one datagram.
func Parse(data []byte) (*Message, error) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		head, body, _ = bytes.Cut(data, []byte("\n\n"))
	}
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, ErrMalformed
	}

	m := &Message{}
	start := strings.Fields(lines[0])
	switch {
	case len(start) >= 2 && start[0] == sipVersion:
		code, err := strconv.Atoi(start[1])
		if err != nil || code < 100 || code > 699 {
			return nil, fmt.Errorf("%w: bad status line %q", ErrMalformed, lines[0])
		}
		m.StatusCode = code
		if len(start) > 2 {
			m.Reason = strings.Join(start[2:], " ")
		}
	case len(start) == 3 && start[2] == sipVersion:
		m.Method = strings.ToUpper(start[0])
		m.RequestURI = start[1]
	default:
		return nil, fmt.Errorf("%w: bad start line %q", ErrMalformed, lines[0])
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		// continuation line
		if (line[0] == ' ' || line[0] == '\t') && len(m.headers) > 0 {
			last := &m.headers[len(m.headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header without colon %q", ErrMalformed, line)
		}
		name = strings.TrimSpace(name)
		if full, ok := compactHeaders[strings.ToLower(name)]; ok {
			name = full
		}
		m.headers = append(m.headers, header{Name: name, Value: strings.TrimSpace(value)})
	}

	if cl := m.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
		}
		if n < len(body) {
			body = body[:n]
		}
	}
	if len(body) > 0 {
		m.Body = append([]byte(nil), body...)
	}
	if m.Get("Call-ID") == "" {
		return nil, fmt.Errorf("%w: missing Call-ID", ErrMalformed)
	}
	return m, nil
}

// Get returns the first value of a header; names are case-insensitive.
func (m *Message) Get(name string) string {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of a header in order.
func (m *Message) Values(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Set replaces all values of a header.
func (m *Message) Set(name, value string) {
	m.Del(name)
	m.Add(name, value)
}

// Add appends a header value.
func (m *Message) Add(name, value string) {
	m.headers = append(m.headers, header{Name: name, Value: value})
}

// Del 删除同名头部。
func (m *Message) Del(name string) {
	kept := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.headers = kept
}

// CallID 返回 Call-ID。
func (m *Message) CallID() string {
	return m.Get("Call-ID")
}

// CSeq returns the sequence number and method.
func (m *Message) CSeq() (int, string) {
	fields := strings.Fields(m.Get("CSeq"))
	if len(fields) != 2 {
		return 0, ""
	}
	n, _ := strconv.Atoi(fields[0])
	return n, strings.ToUpper(fields[1])
}

// Bytes serializes the message; Content-Length always matches Body.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	if m.IsResponse() {
		fmt.Fprintf(&b, "%s %d %s\r\n", sipVersion, m.StatusCode, m.Reason)
	} else {
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.RequestURI, sipVersion)
	}
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(m.Body))
	b.Write(m.Body)
	return b.Bytes()
}

func (m *Message) String() string {
	return string(m.Bytes())
}

// NewRequest builds a request with the mandatory headers left to the caller.
func NewRequest(method, uri string) *Message {
	return &Message{Method: method, RequestURI: uri}
}

// NewResponse builds a response to req, copying the dialog headers.
// toTag is added to To when the request's To carries none.
func NewResponse(req *Message, code int, reason, toTag string) *Message {
	res := &Message{StatusCode: code, Reason: reason}
	for _, v := range req.Values("Via") {
		res.Add("Via", v)
	}
	res.Add("From", req.Get("From"))
	to := req.Get("To")
	if toTag != "" && Tag(to) == "" {
		to += ";tag=" + toTag
	}
	res.Add("To", to)
	res.Add("Call-ID", req.CallID())
	res.Add("CSeq", req.Get("CSeq"))
	return res
}

var (
	reTag    = regexp.MustCompile(`;\s*tag=([^;>\s]+)`)
	reBranch = regexp.MustCompile(`;\s*branch=([^;\s]+)`)
)

// Tag extracts the tag parameter from a From/To value.
func Tag(value string) string {
	return extract(value, reTag)
}

// Branch extracts the branch parameter from a Via value.
func Branch(via string) string {
	return extract(via, reBranch)
}

// URI returns the address inside <...>, or the value up to its parameters.
func URI(value string) string {
	if i := strings.IndexByte(value, '<'); i >= 0 {
		if j := strings.IndexByte(value[i:], '>'); j > 0 {
			return value[i+1 : i+j]
		}
	}
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

func extract(s string, re *regexp.Regexp) string {
	m := re.FindStringSubmatch(s)
	if len(m) >= 2 {
		return m[1]
	}
	return ""
}
