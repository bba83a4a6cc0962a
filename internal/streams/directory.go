package streams

import (
	"context"
	"encoding/json"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

// GrainSubscriber names a grain consumer: delivery invokes Method with a
// JSON-encoded Event.
type GrainSubscriber struct {
	Grain  grain.Identity `json:"grain"`
	Method string         `json:"method"`
}

type streamArgs struct {
	Namespace string `json:"namespace"`
	StreamID  string `json:"stream_id"`
}

type subscribeArgs struct {
	Namespace  string          `json:"namespace"`
	StreamID   string          `json:"stream_id"`
	Subscriber GrainSubscriber `json:"subscriber"`
}

const directoryTypeName = "stream_directory"

// DirectoryIdentity is the singleton subscription directory.
func DirectoryIdentity() grain.Identity {
	return grain.StringKey(directoryTypeName, "subscriptions")
}

// DirectoryType registers the subscription directory grain. It is pinned
// hot: every publish on a cold broker cache consults it.
func DirectoryType() runtime.GrainType {
	return runtime.GrainType{
		Name:        directoryTypeName,
		New:         func() runtime.Grain { return &directoryGrain{} },
		IdleTimeout: -1,
	}
}

// directoryGrain holds the cluster-wide subscription table, persisted so
// subscriptions survive the directory moving between silos.
type directoryGrain struct {
	gctx    *runtime.GrainContext
	entries map[string][]GrainSubscriber
}

func (d *directoryGrain) Activate(ctx context.Context, g *runtime.GrainContext) error {
	d.gctx = g
	payload, ok, err := g.State().Load(ctx)
	if err != nil {
		return err
	}
	d.entries = make(map[string][]GrainSubscriber)
	if !ok {
		return nil
	}
	return d.decode(payload)
}

func (d *directoryGrain) Deactivate(ctx context.Context) error { return nil }

func (d *directoryGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "Subscribe":
		return nil, d.subscribe(ctx, args)
	case "Unsubscribe":
		return nil, d.unsubscribe(ctx, args)
	case "Subscribers":
		return d.subscribers(args)
	default:
		return nil, errs.Application("unknown_method", "stream directory has no method %q", method)
	}
}

func (d *directoryGrain) subscribe(ctx context.Context, args []byte) error {
	var req subscribeArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "subscribe: %v", err)
	}
	key := streamKey(req.Namespace, req.StreamID)
	for _, s := range d.entries[key] {
		if s.Grain.Equal(req.Subscriber.Grain) && s.Method == req.Subscriber.Method {
			return nil // already subscribed
		}
	}
	d.entries[key] = append(d.entries[key], req.Subscriber)
	return d.save(ctx)
}

func (d *directoryGrain) unsubscribe(ctx context.Context, args []byte) error {
	var req subscribeArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "unsubscribe: %v", err)
	}
	key := streamKey(req.Namespace, req.StreamID)
	subs := d.entries[key]
	kept := subs[:0]
	for _, s := range subs {
		if s.Grain.Equal(req.Subscriber.Grain) && s.Method == req.Subscriber.Method {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == len(subs) {
		return nil
	}
	if len(kept) == 0 {
		delete(d.entries, key)
	} else {
		d.entries[key] = kept
	}
	return d.save(ctx)
}

func (d *directoryGrain) subscribers(args []byte) ([]byte, error) {
	var req streamArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "subscribers: %v", err)
	}
	list := d.entries[streamKey(req.Namespace, req.StreamID)]
	if list == nil {
		list = []GrainSubscriber{}
	}
	return json.Marshal(list)
}

// State layout: repeated entry messages (field 1), each carrying the
// stream key (1) and repeated subscriber messages (2) of identity JSON
// (1) and method name (2).
func (d *directoryGrain) save(ctx context.Context) error {
	enc := storage.NewEncoder()
	for key, subs := range d.entries {
		key, subs := key, subs
		enc.Message(1, func(e *storage.Encoder) {
			e.String(1, key)
			for _, s := range subs {
				idJSON, _ := json.Marshal(s.Grain)
				e.Message(2, func(se *storage.Encoder) {
					se.Bytes(1, idJSON)
					se.String(2, s.Method)
				})
			}
		})
	}
	return d.gctx.State().Save(ctx, enc.Finish())
}

func (d *directoryGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		if num != 1 {
			if err := dec.Skip(); err != nil {
				return err
			}
			continue
		}
		err := dec.Message(func(ed *storage.Decoder) error {
			var key string
			var subs []GrainSubscriber
			for {
				n, more := ed.Next()
				if !more {
					break
				}
				switch n {
				case 1:
					v, err := ed.String()
					if err != nil {
						return err
					}
					key = v
				case 2:
					var sub GrainSubscriber
					err := ed.Message(func(sd *storage.Decoder) error {
						for {
							sn, m := sd.Next()
							if !m {
								return nil
							}
							switch sn {
							case 1:
								raw, err := sd.BytesField()
								if err != nil {
									return err
								}
								if err := json.Unmarshal(raw, &sub.Grain); err != nil {
									return err
								}
							case 2:
								v, err := sd.String()
								if err != nil {
									return err
								}
								sub.Method = v
							default:
								if err := sd.Skip(); err != nil {
									return err
								}
							}
						}
					})
					if err != nil {
						return err
					}
					subs = append(subs, sub)
				default:
					if err := ed.Skip(); err != nil {
						return err
					}
				}
			}
			if key != "" {
				d.entries[key] = subs
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
}
