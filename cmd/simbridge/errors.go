package main

import (
	"errors"
	"net/http"

	simerrors "github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/connection"
	"github.com/simbridge-dev/simbridge/pkg/engine"
	"github.com/simbridge-dev/simbridge/pkg/schema"
)

// describe attaches an error code and a fix suggestion to the fatal errors
// users can act on. Other errors are returned unchanged.
func describe(err error) error {
	var coded *simerrors.Error
	if errors.As(err, &coded) {
		return err
	}

	var (
		he *connection.HandshakeError
		ce *connection.CloseError
		rt *connection.RetryTimeoutError
		se *schema.StateError
	)
	switch {
	case errors.As(err, &rt):
		return simerrors.New("E123").Wrap(err)
	case errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized:
		return simerrors.New("E120").Wrap(err)
	case errors.As(err, &he) && he.StatusCode == http.StatusNotFound:
		return simerrors.New("E121").Wrap(err)
	case errors.As(err, &ce):
		if ce.Code >= 4000 && ce.Code <= 4099 {
			return simerrors.New("E121").WithDetail(ce.Text).Wrap(err)
		}
		return simerrors.New("E122").WithDetail(ce.Text).Wrap(err)
	case errors.As(err, &se):
		return simerrors.New("E141").WithDetail(se.Error()).Wrap(err)
	case isCallbackError(err):
		return simerrors.New("E140").Wrap(err)
	}
	return err
}

func isCallbackError(err error) bool {
	var (
		start  *engine.EpisodeStartError
		sim    *engine.SimulateError
		finish *engine.EpisodeFinishError
	)
	return errors.As(err, &start) || errors.As(err, &sim) || errors.As(err, &finish)
}
