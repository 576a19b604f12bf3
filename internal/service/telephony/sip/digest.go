package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
)

var (
	reRealm  = regexp.MustCompile(`realm="([^"]+)"`)
	reNonce  = regexp.MustCompile(`nonce="([^"]+)"`)
	reOpaque = regexp.MustCompile(`opaque="([^"]+)"`)
)

// Challenge 401/407 响应中的摘要认证参数。
type Challenge struct {
	Realm  string
	Nonce  string
	Opaque string
}

// ParseChallenge reads a WWW-Authenticate or Proxy-Authenticate value.
func ParseChallenge(value string) (Challenge, bool) {
	c := Challenge{
		Realm:  extract(value, reRealm),
		Nonce:  extract(value, reNonce),
		Opaque: extract(value, reOpaque),
	}
	return c, c.Nonce != ""
}

func md5Hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// Response computes the RFC 2617 digest without qop.
func (c Challenge) Response(username, password, method, uri string) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, c.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	return md5Hex(fmt.Sprintf("%s:%s:%s", ha1, c.Nonce, ha2))
}

// Authorization renders the header value answering the challenge.
func (c Challenge) Authorization(username, password, method, uri string) string {
	v := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		username, c.Realm, c.Nonce, uri, c.Response(username, password, method, uri))
	if c.Opaque != "" {
		v += fmt.Sprintf(`, opaque="%s"`, c.Opaque)
	}
	return v
}
