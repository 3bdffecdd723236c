package hotkey

import (
	"fmt"
	"sync"

	hook "github.com/robotn/gohook"
)

// globalSource delivers edges from an OS-level keyboard hook, so PTT keeps
// working while the app window is unfocused.
type globalSource struct {
	edges chan Edge
	once  sync.Once
}

// NewGlobalSource installs a global hook for the combination. It returns
// an error only when a key of the combination has no keycode in the hook
// layer. Missing input permissions and a combination already claimed by
// the OS are not detected: the hook is started either way.
func NewGlobalSource(combo Combination) (EdgeSource, error) {
	keys := append(append([]string(nil), combo.Modifiers...), combo.Key)
	for _, key := range keys {
		if _, ok := hook.Keycode[key]; !ok {
			return nil, fmt.Errorf("key %q has no system keycode", key)
		}
	}

	source := &globalSource{edges: make(chan Edge, 8)}

	pressed := false
	hook.Register(hook.KeyDown, keys, func(e hook.Event) {
		if pressed {
			return
		}
		pressed = true
		source.emit(PressEdge)
	})
	hook.Register(hook.KeyHold, keys, func(e hook.Event) {
		if pressed {
			return
		}
		pressed = true
		source.emit(PressEdge)
	})
	hook.Register(hook.KeyUp, keys, func(e hook.Event) {
		if !pressed {
			return
		}
		pressed = false
		source.emit(ReleaseEdge)
	})

	events := hook.Start()
	go hook.Process(events)
	return source, nil
}

func (g *globalSource) emit(edge Edge) {
	select {
	case g.edges <- edge:
	default:
	}
}

func (g *globalSource) Edges() <-chan Edge { return g.edges }

func (g *globalSource) Close() {
	g.once.Do(func() {
		hook.End()
		close(g.edges)
	})
}
