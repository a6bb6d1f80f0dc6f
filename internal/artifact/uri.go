package artifact

import (
	"strings"

	"github.com/ocx/execcore/pkg/execapi"
)

const scheme = "artifact://"

// URI is a parsed artifact://<pluginId>/<logical> reference.
type URI struct {
	PluginID string
	Logical  string
}

// String reconstructs the canonical URI form.
func (u URI) String() string {
	return scheme + u.PluginID + "/" + u.Logical
}

// ParseURI parses raw per §4.3: a leading "@scope" segment is folded into
// the plugin id together with the segment that follows it; everything
// after is the logical path.
func ParseURI(raw string) (URI, error) {
	if !strings.HasPrefix(raw, scheme) {
		return URI{}, &execapi.ErrorEnvelope{Code: execapi.ErrInvalidURI, Message: "artifact uri must start with 'artifact://'"}
	}
	rest := strings.TrimPrefix(raw, scheme)
	segments := strings.Split(rest, "/")

	var pluginID, logical string
	switch {
	case len(segments) == 0 || segments[0] == "":
		return URI{}, &execapi.ErrorEnvelope{Code: execapi.ErrInvalidURI, Message: "artifact uri missing plugin id"}
	case strings.HasPrefix(segments[0], "@") && len(segments) > 1:
		pluginID = segments[0] + "/" + segments[1]
		logical = strings.Join(segments[2:], "/")
	default:
		pluginID = segments[0]
		logical = strings.Join(segments[1:], "/")
	}

	if pluginID == "" || logical == "" {
		return URI{}, &execapi.ErrorEnvelope{Code: execapi.ErrInvalidURI, Message: "artifact uri must have a non-empty plugin id and logical path"}
	}

	return URI{PluginID: pluginID, Logical: logical}, nil
}
