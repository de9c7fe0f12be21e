package supabase

import (
	"net/http"

	postgrest "github.com/supabase-community/postgrest-go"
)

// newAdminREST builds the service-role REST client. It never shares the
// public client's header map, so a user token set on one cannot leak into
// the other. It does share parent, the public client's transport.
func newAdminREST(url, schema, privilegedKey string, extra map[string]string, parent http.RoundTripper) *postgrest.Client {
	headers := map[string]string{
		"Authorization": "Bearer " + privilegedKey,
		"apikey":        privilegedKey,
	}
	for k, v := range extra {
		headers[k] = v
	}
	rest := postgrest.NewClient(url+REST_URL, schema, headers)
	rest.Transport.Parent = parent
	return rest
}

// HasAdmin reports whether a service-role key was configured.
func (c *Client) HasAdmin() bool {
	return c.admin != nil
}

// AdminFrom returns a QueryBuilder on the service-role client, falling back
// to the public client when no privileged key is configured.
func (c *Client) AdminFrom(table string) *postgrest.QueryBuilder {
	if c.admin == nil {
		return c.rest.From(table)
	}
	return c.admin.From(table)
}
