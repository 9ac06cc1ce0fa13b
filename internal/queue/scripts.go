package queue

import (
	"context"
	"embed"
	"fmt"
)

//go:embed scripts/*.lua
var embeddedScripts embed.FS

type ScriptDef struct {
	SHA string
	Src string
}

type storeScripts struct {
	Enqueue   ScriptDef
	Dequeue   ScriptDef
	Ack       ScriptDef
	Nack      ScriptDef
	Heartbeat ScriptDef
	Promote   ScriptDef
	Reap      ScriptDef
	Purge     ScriptDef
	Status    ScriptDef
}

func loadScripts(ctx context.Context, r RedisLike) (storeScripts, error) {
	loadOne := func(name string) (ScriptDef, error) {
		src, err := embeddedScripts.ReadFile("scripts/" + name)
		if err != nil {
			return ScriptDef{}, fmt.Errorf("read script %s: %w", name, err)
		}

		sha, err := r.ScriptLoad(ctx, string(src))
		if err != nil {
			return ScriptDef{}, err
		}

		return ScriptDef{SHA: sha, Src: string(src)}, nil
	}

	var err error
	s := storeScripts{}

	if s.Enqueue, err = loadOne("enqueue.lua"); err != nil {
		return s, err
	}
	if s.Dequeue, err = loadOne("dequeue.lua"); err != nil {
		return s, err
	}
	if s.Ack, err = loadOne("ack.lua"); err != nil {
		return s, err
	}
	if s.Nack, err = loadOne("nack.lua"); err != nil {
		return s, err
	}
	if s.Heartbeat, err = loadOne("heartbeat.lua"); err != nil {
		return s, err
	}
	if s.Promote, err = loadOne("promote.lua"); err != nil {
		return s, err
	}
	if s.Reap, err = loadOne("reap.lua"); err != nil {
		return s, err
	}
	if s.Purge, err = loadOne("purge.lua"); err != nil {
		return s, err
	}
	if s.Status, err = loadOne("status.lua"); err != nil {
		return s, err
	}

	return s, nil
}
