package ports

import "github.com/layer-3/rewardgate/core"

// Tokenizer converts sessions to opaque credentials and back
type Tokenizer interface {
	SessionToToken(session *core.Session) (string, error)
	TokenToSession(token string) (*core.Session, error)
}

// SignatureVerifier checks that signature over message was produced by address
type SignatureVerifier interface {
	Verify(address, message, signature string) error
}
