package downloader

import (
	"fmt"
	"sync"

	"project-mirage/internal/kemono"
)

// Notifier receives progress events at artist and file boundaries.
// Implementations must tolerate concurrent calls.
type Notifier interface {
	ArtistStart(artistName string, postCount int)
	ArtistComplete(artistName string, succeeded, failed int)
	FileCallbacks() kemono.Callbacks
}

// NullNotifier drops everything. Scheduled runs use it so timer-driven work
// stays quiet on the console.
type NullNotifier struct{}

func (NullNotifier) ArtistStart(string, int)         {}
func (NullNotifier) ArtistComplete(string, int, int) {}
func (NullNotifier) FileCallbacks() kemono.Callbacks { return kemono.Callbacks{} }

// ConsoleNotifier prints coarse progress: a line per artist boundary, a line
// per file start and one every 25% of a file.
type ConsoleNotifier struct {
	mu   sync.Mutex
	seen map[string]int64 // file -> last reported percent
}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{seen: make(map[string]int64)}
}

func (n *ConsoleNotifier) ArtistStart(artistName string, postCount int) {
	fmt.Printf("Processing %s (%d posts)\n", artistName, postCount)
}

func (n *ConsoleNotifier) ArtistComplete(artistName string, succeeded, failed int) {
	if failed > 0 {
		fmt.Printf("Finished %s: %d ok, %d failed\n", artistName, succeeded, failed)
		return
	}
	fmt.Printf("Finished %s: %d ok\n", artistName, succeeded)
}

func (n *ConsoleNotifier) FileCallbacks() kemono.Callbacks {
	return kemono.Callbacks{
		OnStart: func(name string, size int64) {
			if size > 0 {
				fmt.Printf("    Downloading %s (%.2f MB)\n", name, float64(size)/(1024*1024))
			} else {
				fmt.Printf("    Downloading %s\n", name)
			}
			n.mu.Lock()
			n.seen[name] = -1
			n.mu.Unlock()
		},
		OnProgress: func(name string, downloaded, size int64) {
			if size <= 0 {
				return
			}
			percent := downloaded * 100 / size
			n.mu.Lock()
			last := n.seen[name]
			if percent >= last+25 {
				n.seen[name] = percent
				n.mu.Unlock()
				fmt.Printf("    %s: %d%%\n", name, percent)
				return
			}
			n.mu.Unlock()
		},
		OnComplete: func(name string, ok bool) {
			n.mu.Lock()
			delete(n.seen, name)
			n.mu.Unlock()
		},
	}
}
