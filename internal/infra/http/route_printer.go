package http

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"text/tabwriter"
)

// RouteInfo describes one registered route.
type RouteInfo struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Handler string `json:"handler"`
}

// RouteFilters narrows a route listing.
type RouteFilters struct {
	Method string
	Path   string
}

// CollectRoutes walks the router and returns its routes sorted by path, then method.
func CollectRoutes(router Router) []RouteInfo {
	var routes []RouteInfo
	_ = router.Walk(func(method, path string, h http.Handler) error {
		routes = append(routes, RouteInfo{Method: method, Path: path, Handler: handlerName(h)})
		return nil
	})
	slices.SortFunc(routes, func(a, b RouteInfo) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Method, b.Method))
	})
	return routes
}

func handlerName(h http.Handler) string {
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			name := fn.Name()
			name = name[strings.LastIndex(name, "/")+1:]
			return strings.TrimSuffix(name, "-fm")
		}
	}
	return fmt.Sprintf("%T", h)
}

// PrintRoutes writes routes as "json" or an aligned table (default).
func PrintRoutes(w io.Writer, routes []RouteInfo, format string, filters RouteFilters) error {
	filtered := routes[:0:0]
	for _, r := range routes {
		if filters.Method != "" && !strings.EqualFold(r.Method, filters.Method) {
			continue
		}
		if filters.Path != "" && !strings.Contains(r.Path, filters.Path) {
			continue
		}
		filtered = append(filtered, r)
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATH\tHANDLER")
	for _, r := range filtered {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Method, r.Path, r.Handler)
	}
	fmt.Fprintf(tw, "\n%d routes\n", len(filtered))
	return tw.Flush()
}
