package runtime

// OutOfBandSnapshotSend pushes a message directly to the subscriber channel,
// bypassing the queue. Use ONLY during snapshot emission while the sub is
// paused. Returns false instead of blocking when the channel buffer is too
// small for the snapshot.
func (sq *SubQueue[T]) OutOfBandSnapshotSend(ev T) bool {
	select {
	case sq.outCh <- ev:
		return true
	default:
		return false
	}
}
