// Package factory provides a small generic registry used to instantiate
// backends from configuration. A backend is selected by a type string and a
// map of raw settings; factories decode the settings into typed structs and
// return the concrete implementation.
//
//	reg := factory.NewRegistry[store.Store]()
//	reg.Register("sqlite", func(conf map[string]any) (store.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return sqlite.Open(c.Path)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "sqlite", Conf: map[string]any{"path": "dispatch.db"}})
package factory
