//go:generate mockgen -source ${GOFILE} -destination mock/${GOFILE} -package mock -mock_names "API=API"
package permission

import (
	"context"
	"net/url"
)

// API is the REST transport the client talks to. Paths are relative to the
// platform base URL. Failed requests return an error carrying the HTTP
// status, see apiclient.StatusCode.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string, query url.Values) error
}
