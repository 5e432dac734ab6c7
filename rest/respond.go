package rest

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
)

// apiError is the JSON body echo.NewHTTPError wraps for every failed
// request, mirroring handler/default.go's api.ErrGeneric/ErrNotFound shape
// without depending on bitcoin-sv-arc's generated api package.
type apiError struct {
	Error string `json:"error"`
}

// httpError maps err's errkind classification onto the matching HTTP
// status, the REST transport's equivalent of electrum.dispatch's
// plain-string Response.Error.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errkind.ErrClient):
		status = http.StatusBadRequest
	case errors.Is(err, errkind.ErrConnectivity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errkind.ErrResource):
		status = http.StatusTooManyRequests
	}
	return echo.NewHTTPError(status, apiError{Error: err.Error()})
}

func notFound(msg string) error {
	return echo.NewHTTPError(http.StatusNotFound, apiError{Error: msg})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, apiError{Error: msg})
}

func parseHash(s string) (chain.Hash256, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chain.Hash256{}, err
	}
	return chain.Hash256(*h), nil
}

func echoBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(c.Request().Body)
}

func parseColorID(s string) (chain.ColorId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return chain.ColorId{}, err
	}
	return chain.ColorIdFromBytes(b)
}
