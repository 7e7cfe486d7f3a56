package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/examples/hospital"
	"github.com/sarchlab/simlog/examples/orders"
	"github.com/sarchlab/simlog/simulation"
	"github.com/sarchlab/simlog/state"
	"github.com/sarchlab/simlog/timing"
)

type scenarioParams struct {
	patients      int
	desks         int
	seed          uint64
	orders        int
	shippingDelay float64
}

// scenario is a bundled example simulation. setup registers the components
// and returns a function that prints a summary after the run.
type scenario struct {
	description string
	topics      []event.TopicSpec
	setup       func(
		sim *simulation.Simulation,
		store *state.Store,
		p scenarioParams,
	) (func(w io.Writer), error)
}

var scenarios = map[string]scenario{
	"hospital": {
		description: "patients queue at a hospital reception",
		topics:      hospital.Topics,
		setup:       setupHospital,
	},
	"orders": {
		description: "a shop passes orders to a warehouse",
		topics:      orders.Topics,
		setup:       setupOrders,
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func lookupScenario(name string) (scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return scenario{}, fmt.Errorf("unknown scenario %q, available: %s",
			name, strings.Join(scenarioNames(), ", "))
	}

	return s, nil
}

func setupHospital(
	sim *simulation.Simulation,
	store *state.Store,
	p scenarioParams,
) (func(w io.Writer), error) {
	b := hospital.MakeBuilder().
		WithSimulation(sim).
		WithStore(store).
		WithNumPatients(p.patients).
		WithNumDesks(p.desks)

	if p.seed != 0 {
		b = b.WithSeed(p.seed)
	}

	h, err := b.Build()
	if err != nil {
		return nil, err
	}

	return func(w io.Writer) {
		for _, s := range h.Reception.Served {
			fmt.Fprintf(w, "%s (%s) waited %.0fs, served %.0fs-%.0fs\n",
				s.PatientID, s.Issue, s.Wait(), s.Start, s.End)
		}

		fmt.Fprintf(w, "%d of %d patients served, %d still queued\n",
			len(h.Reception.Served), len(h.Patients), h.Reception.Queued())
	}, nil
}

func setupOrders(
	sim *simulation.Simulation,
	_ *state.Store,
	p scenarioParams,
) (func(w io.Writer), error) {
	shop, warehouse, err := orders.MakeBuilder().
		WithSimulation(sim).
		WithShippingDelay(timing.VTimeInSec(p.shippingDelay)).
		Build()
	if err != nil {
		return nil, err
	}

	for i := range p.orders {
		order := orders.Order{ID: fmt.Sprintf("order-%d", i), Items: i + 1}
		if err := shop.Place(order, timing.VTimeInSec(i)); err != nil {
			return nil, err
		}
	}

	return func(w io.Writer) {
		fmt.Fprintf(w, "%d of %d orders shipped, %d pending\n",
			len(shop.Shipped), p.orders, warehouse.Pending())
	}, nil
}
