package logger

import (
	"log/slog"
	"time"
)

func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Action(name string) slog.Attr {
	return slog.String("action", name)
}

func FileUID(uid string) slog.Attr {
	return slog.String("file_uid", uid)
}

func VariantKind[K ~string](kind K) slog.Attr {
	if kind == "" {
		return slog.Attr{}
	}
	return slog.String("variant_kind", string(kind))
}

func UserUID(uid string) slog.Attr {
	if uid == "" {
		return slog.Attr{}
	}
	return slog.String("user_uid", uid)
}

func Object(ref any) slog.Attr {
	return slog.Any("object", ref)
}

func Mode[M ~string](mode M) slog.Attr {
	return slog.String("mode", string(mode))
}

func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
