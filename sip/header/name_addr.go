package header

import (
	"io"
	"strings"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// NameAddr is the shared shape of address headers:
// an optional display name, a URI and header parameters.
type NameAddr struct {
	DisplayName string
	Uri         uri.Uri
	Params      Values
}

func (na NameAddr) RenderTo(w io.Writer) error {
	if na.DisplayName != "" {
		name := na.DisplayName
		if strings.ContainsAny(name, " \t") {
			name = "\"" + name + "\""
		}
		if _, err := io.WriteString(w, name+" "); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "<"); err != nil {
		return err
	}
	if na.Uri != nil {
		if err := na.Uri.RenderTo(w); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, ">"); err != nil {
		return err
	}
	return renderHeaderParams(w, na.Params)
}

func (na NameAddr) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = na.RenderTo(sb)
	return sb.String()
}

func (na NameAddr) Clone() NameAddr {
	if na.Uri != nil {
		na.Uri = na.Uri.Clone()
	}
	na.Params = na.Params.Clone()
	return na
}

func (na NameAddr) Equal(other NameAddr) bool {
	if na.DisplayName != other.DisplayName {
		return false
	}
	if (na.Uri == nil) != (other.Uri == nil) {
		return false
	}
	if na.Uri != nil && !na.Uri.Equal(other.Uri) {
		return false
	}
	return compareHeaderParams(na.Params, other.Params, map[string]bool{"tag": true})
}

func (na NameAddr) IsValid() bool {
	return na.Uri != nil && na.Uri.IsValid() && validateHeaderParams(na.Params)
}
