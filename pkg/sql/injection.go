package sql

import (
	"strconv"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a parameter libinjection flagged.
type InjectionCheckResult struct {
	ParamName   string
	Fingerprint string
}

// CheckParameterForInjection runs libinjection over a string value. Other
// types cannot carry a payload and pass.
func CheckParameterForInjection(name string, value any) *InjectionCheckResult {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(s); isSQLi {
		return &InjectionCheckResult{ParamName: name, Fingerprint: string(fingerprint)}
	}
	return nil
}

// CheckAllParameters checks positional parameters, named $1, $2, ...
func CheckAllParameters(params []any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for i, v := range params {
		if r := CheckParameterForInjection("$"+strconv.Itoa(i+1), v); r != nil {
			results = append(results, r)
		}
	}
	return results
}
