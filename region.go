package tlspump

// region is a byte buffer with a read cursor.
// Unread bytes are buf[offset:offset+size], free space follows them.
type region struct {
	buf    []byte
	offset int
	size   int
	// totalBytes counts bytes committed since the last reset.
	totalBytes int
	// complete is set when the transport reached end of data.
	complete bool

	initialSize int
	maxSize     int
}

func (r *region) init(initialSize, maxSize int) {
	r.initialSize = initialSize
	r.maxSize = maxSize
	r.buf = nil
	r.reset(false)
}

// reset discards unread bytes. When realloc is set, storage that has grown
// past the initial size is replaced.
func (r *region) reset(realloc bool) {
	r.offset = 0
	r.size = 0
	r.totalBytes = 0
	r.complete = false
	if realloc && len(r.buf) != r.initialSize {
		r.buf = make([]byte, r.initialSize)
	}
}

// remaining returns the number of unread bytes.
func (r *region) remaining() int {
	return r.size
}

// bytes returns the unread bytes.
func (r *region) bytes() []byte {
	return r.buf[r.offset : r.offset+r.size]
}

// tail returns the free space after the unread bytes.
func (r *region) tail() []byte {
	return r.buf[r.offset+r.size:]
}

// makeRoom ensures tail has at least n bytes.
func (r *region) makeRoom(n int) error {
	if r.size == 0 {
		r.offset = 0
		if len(r.buf) >= n {
			return nil
		}
		if n > r.maxSize {
			return ErrBufferExceeded
		}
		// Nothing to keep, so replace the storage outright.
		size := r.initialSize
		for size < n {
			size *= 2
		}
		if size > r.maxSize {
			size = r.maxSize
		}
		r.buf = make([]byte, size)
		return nil
	}
	if r.offset+r.size+n <= len(r.buf) {
		return nil
	}
	need := r.size + n
	if need > r.maxSize {
		return ErrBufferExceeded
	}
	if need <= len(r.buf) {
		copy(r.buf, r.bytes())
		r.offset = 0
		return nil
	}
	// Grow by the missing amount.
	b := make([]byte, need)
	copy(b, r.bytes())
	r.buf = b
	r.offset = 0
	return nil
}

// commit records n bytes written into tail.
func (r *region) commit(n int) {
	r.size += n
	r.totalBytes += n
}

// appendData copies b after the unread bytes.
func (r *region) appendData(b []byte) error {
	if err := r.makeRoom(len(b)); err != nil {
		return err
	}
	copy(r.tail(), b)
	r.commit(len(b))
	return nil
}

// consume discards n unread bytes.
func (r *region) consume(n int) {
	r.offset += n
	r.size -= n
	if r.size == 0 {
		r.offset = 0
	}
}
