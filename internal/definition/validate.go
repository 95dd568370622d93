package definition

// validateNeeds rejects needs on unknown jobs and dependency cycles.
func validateNeeds(jobs []JobSpec) error {
	byName := make(map[string]*JobSpec, len(jobs))
	for i := range jobs {
		byName[jobs[i].Name] = &jobs[i]
	}
	for _, j := range jobs {
		for _, need := range j.Needs {
			if _, ok := byName[need]; !ok {
				return invalidf("job %q needs unknown job %q", j.Name, need)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(jobs))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return invalidf("dependency cycle through %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, need := range byName[name].Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, j := range jobs {
		if err := visit(j.Name); err != nil {
			return err
		}
	}
	return nil
}
