package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer that must not block once its consumer has
// lost interest (e.g. the partials of a recognizer stream being torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
