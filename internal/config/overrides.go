package config

// Overrides 描述命令行参数对配置的覆盖，nil 表示未指定。
type Overrides struct {
	ListenAddress *string
	ListenPort    *int
	CacheDir      *string
}

// ApplyOverrides 以命令行参数覆盖已加载的配置，并重新校验。
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.ListenAddress != nil {
		c.Global.ListenAddress = *o.ListenAddress
	}
	if o.ListenPort != nil {
		c.Global.ListenPort = *o.ListenPort
	}
	if o.CacheDir != nil {
		c.Global.CacheDir = *o.CacheDir
	}
	applyGlobalDefaults(&c.Global)
	if err := c.Validate(); err != nil {
		return err
	}
	return c.normalizeCacheDir()
}
