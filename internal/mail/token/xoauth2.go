package token

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
)

// BuildXOAUTH2 constructs the base64-encoded XOAUTH2 credential blob
// consumed by the IMAP AUTHENTICATE handshake. Deterministic, no side
// effects.
func BuildXOAUTH2(address, accessToken string) string {
	return base64.StdEncoding.EncodeToString([]byte(xoauth2Raw(address, accessToken)))
}

func xoauth2Raw(address, accessToken string) string {
	return fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", address, accessToken)
}

// xoauth2Client is the SASL client for the XOAUTH2 mechanism. The transport
// layer applies base64, so Start hands over the raw blob.
type xoauth2Client struct {
	address     string
	accessToken string
	responded   bool
}

// NewXOAUTH2Client returns a sasl.Client authenticating the given mailbox
// with a bearer token.
func NewXOAUTH2Client(address, accessToken string) sasl.Client {
	return &xoauth2Client{address: address, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(xoauth2Raw(c.address, c.accessToken)), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// On failure the server sends a JSON error as a challenge; an empty
	// response lets it finish with a tagged NO.
	if !c.responded {
		c.responded = true
		return []byte{}, nil
	}
	return nil, fmt.Errorf("xoauth2: unexpected server challenge: %s", challenge)
}
