package common

import (
	"strings"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// RequestMethod is a SIP request method.
// Custom extension methods are allowed; uppercase is preferred.
type RequestMethod string

const (
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
	RequestMethodPublish   RequestMethod = "PUBLISH"
)

func (m RequestMethod) String() string { return string(m) }

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return strings.EqualFold(string(m), string(other))
}

func (m RequestMethod) IsValid() bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '.' || c == '!' || c == '%' || c == '*' || c == '_' || c == '+' || c == '`' || c == '\'' || c == '~') {
			return false
		}
	}
	return true
}

// Canonic returns the method in its canonical uppercase form.
func (m RequestMethod) Canonic() RequestMethod { return stringutils.UCase(m) }
