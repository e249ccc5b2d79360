package kernel

import "github.com/san-kum/nmpc/internal/model"

func init() {
	Register("decay", func() model.Model { return model.NewDecay() })
	Register("pendulum", func() model.Model { return model.NewPendulum() })
	Register("cartpole", func() model.Model { return model.NewCartPole() })
	Register("rsm", func() model.Model { return model.NewRSM() })

	RegisterPhi("sum_squares", func(nr int) model.Phi { return model.NewSumSquares(nr) })
}
