package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"zipline/internal/delivery"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/services"
)

// handleDownload serves a cached artifact to the holder of a signed link.
func (s *apiServer) handleDownload(c echo.Context) error {
	name := c.Param("name")
	query := c.QueryParams()
	expires, err := strconv.ParseInt(query.Get("e"), 10, 64)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: malformed expiry", delivery.ErrSignatureInvalid))
	}
	requester := query.Get("r")
	if err := s.daemon.resolver.Signer().Verify(name, requester, expires, query.Get("s")); err != nil {
		return s.fail(c, err)
	}

	path, err := s.daemon.cache.ArtifactPath(name)
	if err != nil {
		return s.fail(c, err)
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.fail(c, fmt.Errorf("%w: artifact %s was evicted; resolve the folder again", services.ErrNotFound, name))
	}
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: stat artifact: %v", services.ErrIOFailure, err))
	}

	s.logger.Info("artifact download",
		logging.String("artifact", name),
		logging.String(logging.FieldRequester, requester),
		logging.Int64("size_bytes", info.Size()),
		logging.String(logging.FieldEventType, "artifact_download"),
	)
	return c.Attachment(path, name)
}

func parseFingerprint(value string) (fingerprint.Fingerprint, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) != 64 || strings.Trim(value, "0123456789abcdef") != "" {
		return "", fmt.Errorf("%w: fingerprint must be 64 hex characters", services.ErrValidation)
	}
	return fingerprint.Fingerprint(value), nil
}
