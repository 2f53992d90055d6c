package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// SetBitrate inserts a b=AS bandwidth line after the c= line of every
// m-section matching kind ("audio" or "video"). Existing b=AS lines for
// that section are replaced.
func SetBitrate(raw, kind string, kbps int) string {
	lines := strings.Split(raw, "\r\n")
	out := make([]string, 0, len(lines)+2)
	inTarget := false
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			media := strings.TrimPrefix(strings.SplitN(line, " ", 2)[0], "m=")
			inTarget = media == kind
		}
		if inTarget && strings.HasPrefix(line, "b=AS:") {
			continue
		}
		out = append(out, line)
		if inTarget && strings.HasPrefix(line, "c=") {
			out = append(out, fmt.Sprintf("b=AS:%d", kbps))
		}
	}
	return strings.Join(out, "\r\n")
}

// PreferCodec reorders the payload types of the m-section matching kind so
// that payloads whose rtpmap matches codec come first. Unknown codecs leave
// the SDP untouched.
func PreferCodec(raw, kind, codec string) string {
	lines := strings.Split(raw, "\r\n")

	// Collect payload types whose rtpmap names the codec, per section walk.
	inTarget := false
	preferred := map[string]bool{}
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			media := strings.TrimPrefix(strings.SplitN(line, " ", 2)[0], "m=")
			inTarget = media == kind
		}
		if inTarget && strings.HasPrefix(line, "a=rtpmap:") {
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) == 2 && strings.Contains(strings.ToLower(parts[1]), strings.ToLower(codec)) {
				preferred[parts[0]] = true
			}
		}
	}
	if len(preferred) == 0 {
		return raw
	}

	for i, line := range lines {
		if !strings.HasPrefix(line, "m="+kind+" ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		head, payloads := fields[:3], fields[3:]
		first := make([]string, 0, len(payloads))
		rest := make([]string, 0, len(payloads))
		for _, pt := range payloads {
			if preferred[pt] {
				first = append(first, pt)
			} else {
				rest = append(rest, pt)
			}
		}
		lines[i] = strings.Join(append(head, append(first, rest...)...), " ")
	}
	return strings.Join(lines, "\r\n")
}

// ICECredentials are the ufrag/pwd pair of a local description, needed to
// frame trickle ICE fragments.
type ICECredentials struct {
	UFrag string
	Pwd   string
}

// ExtractICECredentials parses raw SDP and returns the first ice-ufrag and
// ice-pwd attributes found at session or media level.
func ExtractICECredentials(raw string) (ICECredentials, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ICECredentials{}, fmt.Errorf("parse sdp: %w", err)
	}
	var creds ICECredentials
	scan := func(attrs []sdp.Attribute) {
		for _, a := range attrs {
			switch a.Key {
			case "ice-ufrag":
				if creds.UFrag == "" {
					creds.UFrag = a.Value
				}
			case "ice-pwd":
				if creds.Pwd == "" {
					creds.Pwd = a.Value
				}
			}
		}
	}
	scan(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		scan(m.Attributes)
	}
	if creds.UFrag == "" || creds.Pwd == "" {
		return creds, fmt.Errorf("sdp carries no ice credentials")
	}
	return creds, nil
}

// CandidateFragment builds an application/trickle-ice-sdpfrag body from
// gathered candidate strings.
func CandidateFragment(creds ICECredentials, candidates []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", creds.UFrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", creds.Pwd)
	for _, c := range candidates {
		fmt.Fprintf(&b, "a=%s\r\n", c)
	}
	return b.String()
}
