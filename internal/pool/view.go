package pool

import (
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// View is a non-owning window over an allocated buffer. Releasing a view
// only removes its registration; the owner stays allocated.
type View struct {
	id     uint64
	owner  *Buffer
	offset int
	length int
}

// ID returns the view id
func (v *View) ID() uint64 { return v.id }

// Buffer returns the owning buffer
func (v *View) Buffer() *Buffer { return v.owner }

// Bytes returns the viewed window without copying
func (v *View) Bytes() []byte { return v.owner.data[v.offset : v.offset+v.length] }

// Len returns the window length
func (v *View) Len() int { return v.length }

// AllocateView allocates a buffer and returns a view over its full requested length
func (p *Pool) AllocateView(size int) (*View, error) {
	buf, err := p.Allocate(size)
	if err != nil {
		return nil, err
	}
	return p.NewView(buf, 0, size)
}

// NewView registers a view over buf[offset:offset+length]
func (p *Pool) NewView(buf *Buffer, offset, length int) (*View, error) {
	if err := p.checkOpen("new_view"); err != nil {
		return nil, err
	}
	if buf == nil || buf.tier < 0 || buf.tier >= tierCount {
		return nil, p.viewError(ErrUnknownBuffer, buf, offset, length)
	}

	tp := p.tiers[buf.tier]
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.allocated[buf.id] != buf {
		return nil, p.viewError(ErrUnknownBuffer, buf, offset, length)
	}
	if offset < 0 || length <= 0 || offset+length > buf.size {
		return nil, p.viewError(ErrInvalidRange, buf, offset, length)
	}

	v := &View{id: p.nextID.Add(1), owner: buf, offset: offset, length: length}
	tp.views[v.id] = v
	tp.counters.views++
	return v, nil
}

// ReleaseView removes the view registration
func (p *Pool) ReleaseView(v *View) error {
	if err := p.checkOpen("release_view"); err != nil {
		return err
	}
	if v == nil || v.owner == nil {
		return p.protocolError("release of unknown view", ErrUnknownView, nil)
	}

	tp := p.tiers[v.owner.tier]
	tp.mu.Lock()
	if tp.views[v.id] != v {
		tp.mu.Unlock()
		return p.protocolError("release of unknown view", ErrUnknownView, v.owner)
	}
	delete(tp.views, v.id)
	tp.mu.Unlock()
	return nil
}

// ViewCount returns the number of live views over buf
func (p *Pool) ViewCount(buf *Buffer) int {
	if buf == nil || buf.tier < 0 || buf.tier >= tierCount {
		return 0
	}
	tp := p.tiers[buf.tier]
	tp.mu.Lock()
	defer tp.mu.Unlock()
	n := 0
	for _, v := range tp.views {
		if v.owner == buf {
			n++
		}
	}
	return n
}

// dropViewsLocked removes every view owned by the buffer id. Caller holds tp.mu.
func (tp *tierPool) dropViewsLocked(id uint64) {
	for vid, v := range tp.views {
		if v.owner.id == id {
			delete(tp.views, vid)
		}
	}
}

func (p *Pool) viewError(sentinel error, buf *Buffer, offset, length int) error {
	category := errors.CategoryProtocol
	if errors.Is(sentinel, ErrInvalidRange) {
		category = errors.CategoryValidation
	}
	b := errors.New(sentinel).
		Component(componentName).
		Category(category).
		Context("offset", offset).
		Context("length", length)
	if buf != nil {
		b = b.Context("buffer_id", buf.id).Context("buffer_len", buf.size)
	}
	err := b.Build()
	p.log.Error("view rejected", logger.Int("offset", offset), logger.Int("length", length), logger.Error(err))
	return err
}
