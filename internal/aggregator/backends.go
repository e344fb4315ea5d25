package aggregator

import "github.com/neighborhood-lab/care-commons/internal/domain/staterules"

// FormatSandata is the payload format tag the Sandata interchange expects.
const FormatSandata = "sandata-interchange-v2"

// FormatTellus is the payload format tag for Tellus/Netsmart claims.
const FormatTellus = "tellus-claim-v1"

// FormatHHAX is the payload format tag for HHAeXchange visit imports.
const FormatHHAX = "hhax-visit-v3"

// SandataClient serves OH, PA, NC, and AZ. One instance is shared across all
// Sandata states; adding another Sandata state requires no aggregator code.
type SandataClient struct {
	*httpClient
}

// NewSandataClient builds the shared Sandata backend client.
func NewSandataClient(baseURL, token string) *SandataClient {
	return &SandataClient{
		httpClient: newHTTPClient(staterules.AggregatorSandata, baseURL, "/interchange/v2/visits", token),
	}
}

// TellusClient serves Georgia.
type TellusClient struct {
	*httpClient
}

// NewTellusClient builds the Tellus backend client.
func NewTellusClient(baseURL, token string) *TellusClient {
	return &TellusClient{
		httpClient: newHTTPClient(staterules.AggregatorTellus, baseURL, "/claims/v1/evv", token),
	}
}

// HHAXClient serves Texas and is Florida's default backend.
type HHAXClient struct {
	*httpClient
}

// NewHHAXClient builds the HHAeXchange backend client.
func NewHHAXClient(baseURL, token string) *HHAXClient {
	return &HHAXClient{
		httpClient: newHTTPClient(staterules.AggregatorHHAeXchange, baseURL, "/v3/visit-import", token),
	}
}
