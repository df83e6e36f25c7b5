// Package playlist rewrites an IPTV M3U playlist so every channel URI
// points back at this gateway. #EXTINF metadata passes through untouched;
// rtp://, udp:// and rtsp:// entries become /rtp/, /udp/ and /rtsp/ URLs
// under the configured public hostname, carrying any fcc= / fec= hints
// along as query parameters.
package playlist

import (
	"fmt"
	"net/url"
	"strings"
)

// Rewrite transforms the playlist text. base is the public gateway URL,
// e.g. "http://gw.example:5140".
func Rewrite(m3u string, base string) string {
	base = strings.TrimRight(base, "/")
	var out strings.Builder
	for _, line := range strings.Split(m3u, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		rewritten, ok := rewriteLine(trimmed, base)
		if ok {
			out.WriteString(rewritten)
		} else {
			out.WriteString(trimmed)
		}
		out.WriteString("\n")
	}
	return out.String()
}

func rewriteLine(line, base string) (string, bool) {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "#") {
		return "", false
	}
	u, err := url.Parse(t)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "rtp", "udp":
		q := u.Query()
		target := fmt.Sprintf("%s/%s/%s", base, u.Scheme, u.Host)
		if len(q) > 0 {
			target += "?" + q.Encode()
		}
		return target, true
	case "rtsp":
		u.Scheme = ""
		raw := strings.TrimPrefix(u.String(), "//")
		return fmt.Sprintf("%s/rtsp/%s", base, url.PathEscape(raw)), true
	}
	return "", false
}
