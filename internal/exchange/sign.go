package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
)

// sign implements spec.md §4.9's private-endpoint signature: nonce the form
// body, SHA-256 the nonce-prefixed encoding, HMAC-SHA-512 the urlpath
// concatenated with that hash under the base64-decoded API secret, and
// base64-encode the MAC. Grounded on the pack's nonce/sha256/hmac-sha512
// private-request signer (other_examples trading-engine file), itself a
// straight port of the Kraken REST signing scheme.
func sign(urlpath string, body url.Values, nonce string, secretB64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", fmt.Errorf("invalid api secret: %w", err)
	}

	postData := body.Encode()
	shaSum := sha256.Sum256([]byte(nonce + postData))

	msg := make([]byte, 0, len(urlpath)+len(shaSum))
	msg = append(msg, urlpath...)
	msg = append(msg, shaSum[:]...)

	mac := hmac.New(sha512.New, secret)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
