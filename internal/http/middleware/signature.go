// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements webhook signature verification for the Typeform
// source. Typeform signs each delivery with HMAC-SHA256 over the raw body,
// conveyed as "Typeform-Signature: sha256=<base64 digest>".
//
// Design goals:
//   - Opt-in: an empty secret disables verification entirely (dev setups,
//     sources without signing configured).
//   - Constant-time comparison of the digests.
//   - The request body remains readable by downstream handlers.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderTypeformSignature is the header carrying the delivery signature.
const HeaderTypeformSignature = "Typeform-Signature"

// VerifySignature returns a middleware that rejects deliveries whose
// Typeform-Signature header does not match the HMAC-SHA256 of the raw body
// under secret. With an empty secret the middleware is a no-op.
//
// Behavior:
//   - Missing or malformed header: 401.
//   - Digest mismatch: 401.
//   - Valid: body is restored and the next handler runs.
func VerifySignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader(HeaderTypeformSignature)
		if !strings.HasPrefix(header, "sha256=") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "bad_signature",
				"message": "missing or malformed signature",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_request",
				"message": "unreadable body",
			})
			return
		}
		// Hand the body back to the handler chain.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		got := strings.TrimPrefix(header, "sha256=")

		if !hmac.Equal([]byte(want), []byte(got)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "bad_signature",
				"message": "signature mismatch",
			})
			return
		}

		c.Next()
	}
}
