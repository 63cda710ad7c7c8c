package chat

import "strings"

// maxCitationSpan bounds how long a bracketed span may grow before the
// normalizer gives up waiting for its close and passes it through.
const maxCitationSpan = 96

// StreamNormalizer rewrites non-canonical citation punctuation into the
// canonical bracket form as tokens stream through. A citation split
// across chunk boundaries is buffered until its bracket closes.
// Normalization is idempotent: canonical citations pass unchanged.
type StreamNormalizer struct {
	pending string
}

// Feed consumes the next stream chunk and returns the text that is
// safe to emit now.
func (n *StreamNormalizer) Feed(chunk string) string {
	n.pending += chunk
	var out strings.Builder
	for {
		open := strings.IndexAny(n.pending, "[(")
		if open < 0 {
			out.WriteString(n.pending)
			n.pending = ""
			break
		}
		out.WriteString(n.pending[:open])
		n.pending = n.pending[open:]

		closeCh := byte(']')
		if n.pending[0] == '(' {
			closeCh = ')'
		}
		end := strings.IndexByte(n.pending, closeCh)
		if end < 0 {
			if len(n.pending) > maxCitationSpan {
				// Not a citation; stop holding it back.
				out.WriteByte(n.pending[0])
				n.pending = n.pending[1:]
				continue
			}
			break
		}
		span := n.pending[:end+1]
		out.WriteString(NormalizeCitation(span))
		n.pending = n.pending[end+1:]
	}
	return out.String()
}

// Flush returns whatever is still buffered at end of stream.
func (n *StreamNormalizer) Flush() string {
	rest := n.pending
	n.pending = ""
	if rest == "" {
		return ""
	}
	// The buffer is only non-empty when an open bracket never closed;
	// its first char is plain text, and the remainder may still hold
	// complete citations.
	var tail StreamNormalizer
	return rest[:1] + tail.Feed(rest[1:]) + tail.Flush()
}

// NormalizeText runs the stream normalizer over a complete string,
// used when rewriting stored messages.
func NormalizeText(s string) string {
	var n StreamNormalizer
	return n.Feed(s) + n.Flush()
}
