package watermark

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// pdfcpu stamps the wall clock into CreationDate/ModDate and a random ID
// into the trailer of every file it writes. Those are the only bytes of the
// output that do not derive from the render inputs. All of them have a fixed
// width, so they can be spliced in place with input-derived values without
// invalidating the offsets recorded in the cross-reference table.
var (
	infoDateRe  = regexp.MustCompile(`/(?:Creation|Mod)Date\s*\(D:\d{14}[-+]\d{2}'\d{2}'\)`)
	trailerIDRe = regexp.MustCompile(`/ID\s*\[\s*<[0-9a-fA-F]+>\s*<[0-9a-fA-F]+>\s*\]`)
	hexStringRe = regexp.MustCompile(`<[0-9a-fA-F]+>`)
)

func normalizeVolatileFields(out []byte, ts time.Time, token string) []byte {
	stamp := []byte("D:" + ts.UTC().Format("20060102150405") + "+00'00'")

	out = infoDateRe.ReplaceAllFunc(out, func(m []byte) []byte {
		open := bytes.IndexByte(m, '(')
		if open < 0 || len(m)-open-2 != len(stamp) {
			return m
		}
		r := append([]byte(nil), m...)
		copy(r[open+1:len(r)-1], stamp)
		return r
	})

	out = trailerIDRe.ReplaceAllFunc(out, func(m []byte) []byte {
		return hexStringRe.ReplaceAllFunc(m, func(run []byte) []byte {
			r := make([]byte, 0, len(run))
			r = append(r, '<')
			r = append(r, derivedHex(token, len(run)-2)...)
			return append(r, '>')
		})
	})

	return out
}

// derivedHex produces n hex characters derived from the token, repeating the
// digest as needed to match the width of the run being replaced.
func derivedHex(token string, n int) []byte {
	sum := sha256.Sum256([]byte(token + "|trailer-id"))
	seed := []byte(hex.EncodeToString(sum[:]))
	r := make([]byte, 0, n+len(seed))
	for len(r) < n {
		r = append(r, seed...)
	}
	return r[:n]
}
