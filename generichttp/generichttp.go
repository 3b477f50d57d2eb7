// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/rigolcap/server"
	"github.com/nasa-jpl/rigolcap/util"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps methods and paths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns the sorted, unique paths in the route table
func (rt RouteTable) Endpoints() []string {
	paths := make([]string, 0, len(rt))
	for k := range rt {
		paths = append(paths, k.Path)
	}
	sort.Strings(paths)
	return util.UniqueString(paths)
}

// Bind registers every route in the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.MethodFunc(mp.Method, mp.Path, h)
	}
}

// HTTPer is an interface which allows types to yield their route tables
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts "omc/scope" or "/omc/scope/" to "/omc/scope",
// the form chi expects for Mount
func SubMuxSanitize(str string) string {
	str = strings.Trim(strings.TrimSuffix(str, "*"), "/")
	return "/" + str
}

// getter responds with the value returned by fcn, or 500 if it fails
func getter[T any](fcn func() (T, error), payload func(T) server.HumanPayload) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := payload(v)
		hp.EncodeAndRespond(w, r)
	}
}

// setter decodes a JSON body into W and calls fcn with the value it holds.
// A body that does not decode is a 400, a failed call a 500
func setter[W any, T any](fcn func(T) error, value func(W) T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body W
		err := json.NewDecoder(r.Body).Decode(&body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(value(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return getter(fcn, func(f float64) server.HumanPayload {
		return server.HumanPayload{T: types.Float64, Float: f}
	})
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return setter(fcn, func(b server.FloatT) float64 { return b.F64 })
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return getter(fcn, func(i int) server.HumanPayload {
		return server.HumanPayload{T: types.Int, Int: i}
	})
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return setter(fcn, func(b server.IntT) int { return b.Int })
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return getter(fcn, func(s string) server.HumanPayload {
		return server.HumanPayload{T: types.String, String: s}
	})
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return setter(fcn, func(b server.StrT) string { return b.Str })
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return getter(fcn, func(b bool) server.HumanPayload {
		return server.HumanPayload{T: types.Bool, Bool: b}
	})
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return setter(fcn, func(b server.BoolT) bool { return b.Bool })
}
