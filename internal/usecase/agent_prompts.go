package usecase

import (
	"fmt"
	"strings"

	"pactroom/internal/domain/entity"
)

func agentSystemPrompt(self, counterpart entity.UserProfile, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the negotiating agent for %s", self.Name())
	if self.Role != "" {
		fmt.Fprintf(&b, " (%s)", self.Role)
	}
	fmt.Fprintf(&b, " in a live conversation with %s", counterpart.Name())
	if counterpart.Role != "" {
		fmt.Fprintf(&b, " (%s)", counterpart.Role)
	}
	b.WriteString(".\n\n")
	b.WriteString("You hear the conversation as transcript batches. Stay quiet until both people want to reach an agreement. ")
	b.WriteString("Then negotiate with the other party's agent using the tools. Protect your principal's interests but aim for a deal both sides accept.\n\n")
	b.WriteString("Proposal rules:\n")
	fmt.Fprintf(&b, "- Amounts are integers in minor units of %s (for example 15000 means 150.00).\n", strings.ToUpper(currency))
	b.WriteString("- Each line item is \"immediate\" (charged on signing), \"escrow\" (held until the work is confirmed) or \"conditional\" (held, released only if the condition is met).\n")
	b.WriteString("- When the final price of a held item depends on what is found on site, give min_amount and max_amount; amount is the expected figure inside that range.\n")
	b.WriteString("- Add a milestone for each held line item describing deliverables and how completion is verified.\n")
	b.WriteString("- Counter at most a few times. Accept when the terms are reasonable; reject only when agreement is clearly impossible.\n")
	b.WriteString("Keep messages to your principal short. Never invent facts that were not said in the conversation.")
	return b.String()
}

func agentFramingMessage(self, counterpart entity.UserProfile) string {
	return fmt.Sprintf(
		"[System] You represent %s. The other participant is %s. Their agent is reachable through the negotiation tools and send_message_to_agent.",
		describeProfile(self), describeProfile(counterpart))
}

func describeProfile(p entity.UserProfile) string {
	if p.Role == "" {
		return p.Name()
	}
	return fmt.Sprintf("%s, %s", p.Name(), p.Role)
}
