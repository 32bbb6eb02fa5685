package knowledge

type passage struct {
	citationID string
	sourceURL  string
	topic      string
	content    string
}

// seedPassages is the built-in CRA guide corpus. Kept deliberately small:
// one or two passages per deduction topic the categorizer reasons about.
var seedPassages = []passage{
	{
		citationID: "cra-it518r-meals-50",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/it518r.html",
		topic:      "meals entertainment",
		content: "The maximum amount you can claim for food, beverages and entertainment " +
			"expenses is 50% of the lesser of the amount you actually incurred and an amount " +
			"that is reasonable in the circumstances, per section 67.1 of the Income Tax Act. " +
			"This limit also applies to meals consumed while travelling for business.",
	},
	{
		citationID: "cra-t4002-travel",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "travel lodging hotel accommodation transport",
		content: "You can deduct travel expenses you incur to earn business and professional " +
			"income, including public transportation fares, hotel accommodation and meals. " +
			"Lodging costs incurred while travelling for business are fully deductible when " +
			"reasonable; the 50% limit applies only to the food, beverage and entertainment " +
			"portion of travel costs.",
	},
	{
		citationID: "cra-t4002-travel-taxes",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "tourism levy accommodation tax destination marketing fee",
		content: "Taxes and levies charged on business travel accommodation, such as provincial " +
			"tourism levies and municipal accommodation taxes, form part of the cost of the " +
			"travel expense and are deductible on the same basis as the underlying charge.",
	},
	{
		citationID: "cra-gst-memo-8-1-itc",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/8-1.html",
		topic:      "gst hst input tax credit",
		content: "A GST/HST registrant may claim an input tax credit for the GST/HST paid or " +
			"payable on property or services acquired for consumption, use or supply in the " +
			"course of commercial activities. GST/HST recoverable as an input tax credit is " +
			"not also deductible as an expense.",
	},
	{
		citationID: "cra-t4002-professional-fees",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "professional services legal accounting consulting marketing advertising fees",
		content: "You can deduct fees for external professional advice or services, including " +
			"legal and accounting fees and consulting fees, incurred to earn business income. " +
			"Advertising and marketing fees paid to Canadian media or for business promotion " +
			"are generally fully deductible.",
	},
	{
		citationID: "cra-t4002-office-supplies",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "office supplies stationery",
		content: "You can deduct the cost of office expenses such as pens, pencils, paper clips, " +
			"stationery and stamps. Office expenses do not include capital items such as desks, " +
			"chairs and filing cabinets, which are capital property subject to capital cost allowance.",
	},
	{
		citationID: "cra-t4002-motor-vehicle",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "fuel vehicle gasoline motor",
		content: "You can deduct motor vehicle expenses, including fuel and oil, incurred to earn " +
			"business income, prorated by the business-use portion of the kilometres driven in " +
			"the year.",
	},
	{
		citationID: "cra-t4002-cca",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002.html",
		topic:      "capital equipment depreciable property cost allowance",
		content: "You cannot deduct the full cost of depreciable property, such as equipment, in " +
			"the year you acquire it. Instead you deduct the cost over a period of years through " +
			"capital cost allowance.",
	},
	{
		citationID: "cra-it518r-gratuities",
		sourceURL:  "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/it518r.html",
		topic:      "tip gratuity meals service charge",
		content: "Gratuities and service charges paid in respect of food, beverages or " +
			"entertainment are part of the cost of the meal or entertainment and are subject to " +
			"the same 50% limitation.",
	},
}
