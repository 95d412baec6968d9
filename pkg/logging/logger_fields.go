package logging

import (
	"time"
)

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Domain helpers

func Component(name string) Field {
	return String("component", name)
}

// Stream names the tracker stream (metadata, acl, content).
func Stream(name string) Field {
	return String("stream", name)
}

// Shard identifies the instance as [instance, count].
func Shard(instance, count int) Field {
	return Field{Key: "shard", Value: [2]int{instance, count}}
}

// TxID is a transaction or change set id.
func TxID(id int64) Field {
	return Int64("txid", id)
}

// Unit is the id of the work unit being applied.
func Unit(id int64) Field {
	return Int64("unit", id)
}

// Entity names a node or ACL, e.g. Entity("node", 42).
func Entity(kind string, id int64) Field {
	return Field{Key: kind + "_id", Value: id}
}

func RequestID(id string) Field {
	return String("request_id", id)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
