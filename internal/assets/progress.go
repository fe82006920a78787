package assets

// feed fans one transfer's progress out to every caller waiting on it.
type feed struct {
	next int
	subs map[int]func(float64)
	last float64
}

// subscribe registers fn on localPath's feed and returns the function that
// removes it again. A caller joining a running transfer immediately gets
// the last reported fraction.
func (c *Cache) subscribe(localPath string, fn func(float64)) func() {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	f, ok := c.feeds[localPath]
	if !ok {
		f = &feed{subs: make(map[int]func(float64))}
		c.feeds[localPath] = f
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	last := f.last
	c.mu.Unlock()

	if last > 0 {
		fn(last)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(f.subs, id)
		if len(f.subs) == 0 && c.feeds[localPath] == f {
			delete(c.feeds, localPath)
		}
	}
}

func (c *Cache) publish(localPath string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	c.mu.Lock()
	f, ok := c.feeds[localPath]
	if !ok {
		c.mu.Unlock()
		return
	}
	f.last = fraction
	subs := make([]func(float64), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(fraction)
	}
}

// resetProgress clears the remembered fraction once a transfer ends so a
// later download of the same path starts from zero.
func (c *Cache) resetProgress(localPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.feeds[localPath]; ok {
		f.last = 0
	}
}

// progressWriter counts bytes written and reports the running fraction of
// total. A non-positive total means the size is unknown and only the final
// 1.0 is reported.
type progressWriter struct {
	done   int64
	total  int64
	report func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.total > 0 {
		p.report(float64(p.done) / float64(p.total))
	}
	return len(b), nil
}
