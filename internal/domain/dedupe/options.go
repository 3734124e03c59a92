package dedupe

// Option applies a configuration option to the CooldownCache.
type Option func(*CooldownCache)

// WithMaxSize sets the maximum number of identities kept in memory.
// If maxSize > 0: bounded mode, least recently set entry evicted first.
// If maxSize <= 0: unbounded mode.
func WithMaxSize(maxSize int) Option {
	return func(c *CooldownCache) {
		c.maxSize = maxSize
	}
}
