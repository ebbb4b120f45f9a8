// Package request holds the JSON bodies accepted by the task API.
package request

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
)

const maxBodyBytes = 1 << 20

type Extract struct {
	URL     string `json:"url"`
	Cookies string `json:"cookies,omitempty"`
}

type Create struct {
	URL            string `json:"url"`
	Quality        string `json:"quality"`
	PostProcessing string `json:"post_processing"`
	Cookies        string `json:"cookies,omitempty"`
	CustomFilename string `json:"custom_filename,omitempty"`
}

// Spec converts the body into a task spec; validation happens in the store.
func (c Create) Spec() entity.TaskSpec {
	return entity.TaskSpec{
		URL:            c.URL,
		Quality:        entity.Quality(c.Quality),
		PostProcessing: entity.PostProcessing(c.PostProcessing),
		Cookies:        c.Cookies,
		CustomFilename: c.CustomFilename,
	}
}

// Decode reads one JSON value from the request body into v.
func Decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidRequestBody, err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after json value", errs.ErrInvalidRequestBody)
	}

	return nil
}
