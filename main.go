package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/assessment"
	"github.com/unhabit/unhabit-agent/agent/contract"
	"github.com/unhabit/unhabit-agent/agent/memory"
	"github.com/unhabit/unhabit-agent/agent/orchestrator"
	"github.com/unhabit/unhabit-agent/agent/planner"
	"github.com/unhabit/unhabit-agent/agent/provider"
	"github.com/unhabit/unhabit-agent/agent/reflection"
	"github.com/unhabit/unhabit-agent/agent/support"
	configx "github.com/unhabit/unhabit-agent/pkg/config"
	_ "github.com/unhabit/unhabit-agent/pkg/logger/autoload"
	openrouterx "github.com/unhabit/unhabit-agent/pkg/openrouter"
	schedulerx "github.com/unhabit/unhabit-agent/pkg/scheduler"
	serperx "github.com/unhabit/unhabit-agent/pkg/serper"
)

func main() {
	ctx := context.Background()

	providerCfg := configx.MustNew[provider.Config]("LLM")
	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	llm := must(provider.NewFromConfig(ctx, *providerCfg, *openRouterCfg))

	index := must(memory.NewChromemIndex(*configx.MustNew[memory.ChromemConfig]("MEMORY")))
	gateway := must(memory.NewGateway(index))

	schedulerClient := schedulerx.MustNew(*configx.MustNew[schedulerx.Config]("SCHEDULER"))
	serperClient := serperx.MustNew(*configx.MustNew[serperx.Config]("SERPER"))

	reflector := must(reflection.New(ctx, llm, gateway.Grant(contract.AgentTypeReflection)))
	goalPlanner := must(planner.New(ctx, llm, schedulerClient))
	supportAgent := must(support.New(serperClient))
	assessor := must(assessment.New(gateway.Grant(contract.AgentTypeAssessment), llm))

	orch := must(orchestrator.New(ctx, reflector, goalPlanner, supportAgent, assessor))
	_ = orch

	log.Info().Msg("agent core wired and ready")
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
