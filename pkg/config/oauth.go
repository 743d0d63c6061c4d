package config

import "slices"

// OAuth holds the OAuth client registration used to authorize against a
// remote server.
type OAuth struct {
	ClientID      string   `json:"clientId"                yaml:"clientId"`                //nolint:tagliatelle
	ClientSecret  EnvValue `json:"clientSecret"            yaml:"clientSecret"`            //nolint:tagliatelle
	AuthURL       string   `json:"authUrl,omitempty"       yaml:"authUrl,omitempty"`       //nolint:tagliatelle
	TokenURL      string   `json:"tokenUrl"                yaml:"tokenUrl"`                //nolint:tagliatelle
	DeviceAuthURL string   `json:"deviceAuthUrl,omitempty" yaml:"deviceAuthUrl,omitempty"` //nolint:tagliatelle
	RedirectURL   string   `json:"redirectUrl,omitempty"   yaml:"redirectUrl,omitempty"`   //nolint:tagliatelle
	Scopes        []string `json:"scopes,omitempty"        yaml:"scopes,omitempty"`
}

// Clone creates a deep copy of the OAuth configuration.
func (o *OAuth) Clone() *OAuth {
	if o == nil {
		return nil
	}

	clone := *o
	clone.Scopes = slices.Clone(o.Scopes)

	return &clone
}

// DeviceFlow returns true when the provider uses the device authorization grant.
func (o *OAuth) DeviceFlow() bool {
	return o != nil && o.DeviceAuthURL != ""
}
