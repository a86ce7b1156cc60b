// Package qr renders contact cards as QR codes so another device can
// start a call without typing ids.
package qr

import (
	"fmt"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels
const DefaultSize = 256

// Contact identifies a callable user on a signaling backend
type Contact struct {
	UserID string
	Name   string
	Server string
}

// URL builds the callkit contact URL encoded into the QR code
func (c Contact) URL() (string, error) {
	if c.UserID == "" {
		return "", fmt.Errorf("qr: user id is required")
	}
	if c.Server == "" {
		return "", fmt.Errorf("qr: server is required")
	}

	q := url.Values{}
	q.Set("user", c.UserID)
	q.Set("server", c.Server)
	if c.Name != "" {
		q.Set("name", c.Name)
	}
	return "callkit://call?" + q.Encode(), nil
}

// ParseContact decodes a contact URL produced by Contact.URL
func ParseContact(raw string) (Contact, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Contact{}, fmt.Errorf("qr: invalid contact URL: %w", err)
	}
	if u.Scheme != "callkit" || u.Host != "call" {
		return Contact{}, fmt.Errorf("qr: not a contact URL: %s", raw)
	}

	q := u.Query()
	c := Contact{
		UserID: q.Get("user"),
		Name:   q.Get("name"),
		Server: q.Get("server"),
	}
	if c.UserID == "" || c.Server == "" {
		return Contact{}, fmt.Errorf("qr: contact URL missing user or server")
	}
	return c, nil
}

// EncodePNG renders the contact as a PNG QR code
func EncodePNG(c Contact, size int) ([]byte, error) {
	target, err := c.URL()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}

	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr: encode failed: %w", err)
	}
	return png, nil
}

// Terminal renders the contact as a block-character QR for console
// display
func Terminal(c Contact) (string, error) {
	target, err := c.URL()
	if err != nil {
		return "", err
	}

	code, err := qrcode.New(target, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("qr: encode failed: %w", err)
	}
	return code.ToSmallString(false), nil
}
