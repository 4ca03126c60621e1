package addblock

import "context"

// AddBlockPromise is spec §4.4's two-stage future: addBlock returns
// immediately once the block is durably in the VolatileDB, and callers that
// need chain-selection's verdict wait on Processed.
type AddBlockPromise struct {
	writtenToDisk chan struct{}
	processed     chan struct{}
	processErr    error
}

func newPromise() *AddBlockPromise {
	return &AddBlockPromise{
		writtenToDisk: make(chan struct{}),
		processed:     make(chan struct{}),
	}
}

func (p *AddBlockPromise) resolveWritten() {
	close(p.writtenToDisk)
}

func (p *AddBlockPromise) resolveProcessed(err error) {
	p.processErr = err
	close(p.processed)
}

// WaitWrittenToDisk blocks until the block has been persisted to the
// VolatileDB (spec §4.4 "the result ... becomes available as soon as the
// block has been written to disk").
func (p *AddBlockPromise) WaitWrittenToDisk(ctx context.Context) error {
	select {
	case <-p.writtenToDisk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitProcessed blocks until the block has gone through chain selection,
// returning any error chain selection attributed to it.
func (p *AddBlockPromise) WaitProcessed(ctx context.Context) error {
	select {
	case <-p.processed:
		return p.processErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
