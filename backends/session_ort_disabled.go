//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/fastvlm/options"
)

func createORTSession(_ string, _ *options.Options) (Session, error) {
	return nil, errors.New("ORT is not enabled")
}
