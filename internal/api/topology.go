package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgpack = "application/msgpack"

// wantsMsgpack honours ?format=msgpack and an Accept header naming msgpack.
func wantsMsgpack(c *fiber.Ctx) bool {
	if f := c.Query("format"); f != "" {
		return strings.EqualFold(f, "msgpack")
	}
	accept := c.Get(fiber.HeaderAccept)
	return strings.Contains(accept, mimeMsgpack) || strings.Contains(accept, "application/x-msgpack")
}

// topologyHandler returns the cached workers and agents of the active
// coordinator, as JSON or msgpack.
func (s *Server) topologyHandler(c *fiber.Ctx) error {
	snap := s.topo.Snapshot()

	if cluster := c.Query("cluster"); cluster != "" {
		agents := snap.Agents[:0:0]
		for _, a := range snap.Agents {
			if a.Cluster == cluster {
				agents = append(agents, a)
			}
		}
		snap.Agents = agents
	}

	if !wantsMsgpack(c) {
		return c.JSON(snap)
	}

	body, err := msgpack.Marshal(snap)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to encode topology: "+err.Error())
	}
	c.Set(fiber.HeaderContentType, mimeMsgpack)
	return c.Send(body)
}

func (s *Server) topologyStatsHandler(c *fiber.Ctx) error {
	return c.JSON(s.topo.Stats())
}
