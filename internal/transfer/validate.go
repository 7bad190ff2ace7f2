package transfer

import (
	"path/filepath"
	"strings"
)

// blockedExtensions rejects executable content outright. The extension check
// runs before the MIME whitelist so a renamed payload cannot sneak through by
// declaring a friendly content type.
var blockedExtensions = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".msi": true,
	".scr": true,
	".pif": true,
	".jar": true,
	".vbs": true,
	".ps1": true,
	".sh":  true,
}

var allowedMIMEPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"text/",
}

var allowedMIMETypes = map[string]bool{
	"application/pdf":              true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/gzip":             true,
	"application/json":             true,
	"application/octet-stream":     true,
}

func (c *Coordinator) validateOffer(offer FileOffer) error {
	if offer.Name == "" || offer.Size <= 0 {
		return ErrInvalidFile
	}
	if c.maxFileBytes > 0 && offer.Size > c.maxFileBytes {
		return ErrInvalidFile
	}

	ext := strings.ToLower(filepath.Ext(offer.Name))
	if blockedExtensions[ext] {
		return ErrInvalidFile
	}

	mime := strings.ToLower(strings.TrimSpace(offer.Type))
	if mime == "" {
		return ErrInvalidFile
	}
	if allowedMIMETypes[mime] {
		return nil
	}
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return nil
		}
	}
	return ErrInvalidFile
}
