package session

import "testing"

func TestRouteUserEmptyInput(t *testing.T) {
	r := NewRouter()
	route := r.RouteUser("   ")
	if route.EnterModel || route.ExitRequested || route.ImmediateOutput != "" {
		t.Fatalf("route = %+v, want zero value", route)
	}
}

func TestRouteUserDispatchesRegisteredCommand(t *testing.T) {
	r := NewRouter()
	r.Register("exit", func(args []string) (string, bool) {
		return "bye", true
	})

	route := r.RouteUser(",exit")
	if route.EnterModel {
		t.Fatalf("command input should not enter model: %+v", route)
	}
	if !route.ExitRequested || route.ImmediateOutput != "bye" {
		t.Fatalf("route = %+v, want exit_requested with 'bye'", route)
	}
}

func TestRouteUserUnknownCommand(t *testing.T) {
	r := NewRouter()
	route := r.RouteUser(",nope")
	if route.EnterModel || route.ExitRequested {
		t.Fatalf("route = %+v", route)
	}
	if route.ImmediateOutput == "" {
		t.Fatalf("expected an error message for unknown command")
	}
}

func TestRouteUserPassesRawToModel(t *testing.T) {
	r := NewRouter()
	route := r.RouteUser("what is the weather")
	if !route.EnterModel || route.ModelPrompt != "what is the weather" {
		t.Fatalf("route = %+v", route)
	}
}
