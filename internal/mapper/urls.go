package mapper

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadUID guards URL derivation against internally generated surrogate
// ids: only the remote system's 11-character identifiers may appear in
// remote API URLs.
var ErrBadUID = errors.New("mapper: identifier does not match the 11-character UID shape")

// ErrBadType is returned for a metadata type outside the closed set.
var ErrBadType = errors.New("mapper: unknown metadata type")

// Metadata types form a closed set mirroring the dictionary's kind.
const (
	TypeElement          = "element"
	TypeIndicator        = "indicator"
	TypeProgramIndicator = "program-indicator"
	TypeElementGroup     = "element-group"
	TypeIndicatorGroup   = "indicator-group"
)

// ValidType reports whether typ belongs to the closed metadata type set.
func ValidType(typ string) bool {
	switch typ {
	case TypeElement, TypeIndicator, TypeProgramIndicator, TypeElementGroup, TypeIndicatorGroup:
		return true
	}
	return false
}

// URLSet holds the canonical access URLs derived for one variable.
type URLSet struct {
	Analytics  string `json:"analytics_url"`
	Metadata   string `json:"metadata_url"`
	DataValues string `json:"data_values_url,omitempty"`
	WebUI      string `json:"web_ui_url"`
	Export     string `json:"export_url"`
}

// typeRoute maps each metadata type to its API resource, maintenance UI
// section, and the field list worth fetching for quality recompute.
type typeRoute struct {
	resource  string
	uiSection string
	fields    string
}

var typeRoutes = map[string]typeRoute{
	TypeElement: {
		resource:  "dataElements",
		uiSection: "dataElementSection/dataElement",
		fields:    "id,name,shortName,code,valueType,domainType,aggregationType,categoryCombo[id,name]",
	},
	TypeIndicator: {
		resource:  "indicators",
		uiSection: "indicatorSection/indicator",
		fields:    "id,name,shortName,code,numerator,denominator,indicatorType[id,name]",
	},
	TypeProgramIndicator: {
		resource:  "programIndicators",
		uiSection: "programSection/programIndicator",
		fields:    "id,name,shortName,code,expression,filter,program[id,name]",
	},
	TypeElementGroup: {
		resource:  "dataElementGroups",
		uiSection: "dataElementSection/dataElementGroup",
		fields:    "id,name,shortName,code,dataElements[id,name]",
	},
	TypeIndicatorGroup: {
		resource:  "indicatorGroups",
		uiSection: "indicatorSection/indicatorGroup",
		fields:    "id,name,code,indicators[id,name]",
	},
}

// DeriveURLs builds the access URL set for a variable. The data-values URL
// exists only for raw data elements; indicators and groups are derived
// aggregates with no raw values behind them.
func DeriveURLs(uid, typ, baseURL string) (*URLSet, error) {
	if !IsUID(uid) {
		return nil, fmt.Errorf("%w: %q", ErrBadUID, uid)
	}
	route, ok := typeRoutes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadType, typ)
	}

	base := strings.TrimRight(baseURL, "/")
	set := &URLSet{
		Analytics: fmt.Sprintf("%s/api/analytics.json?dimension=dx:%s&dimension=pe:LAST_12_MONTHS&dimension=ou:USER_ORGUNIT&displayProperty=NAME", base, uid),
		Metadata:  fmt.Sprintf("%s/api/%s/%s.json?fields=%s", base, route.resource, uid, route.fields),
		WebUI:     fmt.Sprintf("%s/dhis-web-maintenance/index.html#/edit/%s/%s", base, route.uiSection, uid),
		Export:    fmt.Sprintf("%s/api/%s.json?filter=id:eq:%s&fields=:owner&download=true", base, route.resource, uid),
	}
	if typ == TypeElement {
		set.DataValues = fmt.Sprintf("%s/api/dataValueSets.json?dataElement=%s&orgUnit=USER_ORGUNIT&lastUpdatedDuration=12m", base, uid)
	}
	return set, nil
}
