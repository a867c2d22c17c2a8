package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/trezcool/shule/core"
)

var signatureSalt = []byte("shule.core.approval.signature")

// Sign stamps an approver's decision with a keyed hash of who decided what, when and from where.
func Sign(secretKey string, req Request, decision RequestStatus, rc core.RequestContext, at time.Time) string {
	key := sha256.Sum256(append(append([]byte{}, signatureSalt...), secretKey...))
	h := hmac.New(sha256.New, key[:])
	_, _ = h.Write([]byte(strings.Join([]string{
		req.ID,
		req.DocumentID,
		rc.ActorID,
		string(decision),
		at.UTC().Format(time.RFC3339Nano),
		rc.Origin,
		rc.UserAgent,
		rc.SessionID,
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}
